package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore сохраняет и загружает JSON-документы на диске.
// Используется адаптерами для персистентности их конфигураций.
type FileStore struct {
	dir string
}

// NewFileStore создаёт хранилище в указанном каталоге
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Path возвращает абсолютный путь документа по имени
func (s *FileStore) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Load читает JSON-документ в v; ok=false, если документа нет
func (s *FileStore) Load(name string, v any) (bool, error) {
	raw, err := os.ReadFile(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", name, err)
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("invalid JSON in %s: %w", name, err)
	}
	return true, nil
}

// Save атомарно записывает v как JSON-документ
func (s *FileStore) Save(name string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}

	tmp := s.Path(name) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, s.Path(name)); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}
