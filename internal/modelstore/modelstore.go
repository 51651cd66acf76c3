// Package modelstore persists fitted forecast models so the service can skip refitting
// cities whose data has not changed since the last training run.
package modelstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/kjstillabower/aqi-forecast-service/internal/forecast"
)

// ErrNotFound is returned by Load when no model is stored for the city.
var ErrNotFound = errors.New("model not found")

const (
	filePrefix = "model_"
	fileSuffix = ".json.zst"
)

// Store saves and loads fitted models keyed by city.
type Store interface {
	Save(ctx context.Context, m *forecast.Model) error
	Load(ctx context.Context, city string) (*forecast.Model, error)
	List(ctx context.Context) ([]string, error)
}

// FileStore writes one zstd-compressed JSON file per city under dir.
// Writes go to a temp file and are renamed into place, so readers never see partial models.
type FileStore struct {
	dir string
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create model dir: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &FileStore{dir: dir, enc: enc, dec: dec}, nil
}

// Close releases the codec resources.
func (s *FileStore) Close() error {
	s.dec.Close()
	return s.enc.Close()
}

// Path returns the file a city's model is stored in.
func (s *FileStore) Path(city string) string {
	return filepath.Join(s.dir, filePrefix+slug(city)+fileSuffix)
}

func (s *FileStore) Save(ctx context.Context, m *forecast.Model) error {
	if m == nil || m.City == "" {
		return errors.New("save model: city is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode model %q: %w", m.City, err)
	}
	compressed := s.enc.EncodeAll(raw, nil)

	tmp, err := os.CreateTemp(s.dir, ".model-*")
	if err != nil {
		return fmt.Errorf("save model %q: %w", m.City, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		return fmt.Errorf("save model %q: %w", m.City, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save model %q: %w", m.City, err)
	}
	if err := os.Rename(tmp.Name(), s.Path(m.City)); err != nil {
		return fmt.Errorf("save model %q: %w", m.City, err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, city string) (*forecast.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.read(s.Path(city), city)
}

func (s *FileStore) read(path, city string) (*forecast.Model, error) {
	compressed, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, city)
	}
	if err != nil {
		return nil, fmt.Errorf("read model %q: %w", city, err)
	}
	raw, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress model %q: %w", city, err)
	}
	var m forecast.Model
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode model %q: %w", city, err)
	}
	return &m, nil
}

// List returns the cities with a stored model, sorted.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	var cities []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := s.read(filepath.Join(s.dir, name), name)
		if err != nil {
			continue
		}
		cities = append(cities, m.City)
	}
	sort.Strings(cities)
	return cities, nil
}

// slug lowercases city, replaces anything but letters and digits with '_' and appends a
// hash of the lowercased name, so "Navi Mumbai" and "Navi-Mumbai" get different files.
func slug(city string) string {
	key := strings.ToLower(strings.TrimSpace(city))
	var b strings.Builder
	for _, r := range key {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	fmt.Fprintf(&b, "_%08x", uint32(xxhash.Sum64String(key)))
	return b.String()
}
