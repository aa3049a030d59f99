package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
)

// SecretsFilePath returns the location of the secrets file.
func SecretsFilePath() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), "secrets.json")
}

// fileSecrets keeps secret keys in a 0600 JSON file next to the data dir.
// The zero value uses SecretsFilePath.
type fileSecrets struct {
	path string
}

func (f fileSecrets) file() jsonFile {
	if f.path != "" {
		return jsonFile(f.path)
	}
	return jsonFile(SecretsFilePath())
}

func (f fileSecrets) Get(key string) (string, error) {
	var secrets map[string]string
	if err := f.file().read(&secrets); err != nil {
		return "", err
	}
	v, ok := secrets[key]
	if !ok {
		return "", fmt.Errorf("secret %q not found", key)
	}
	return v, nil
}

func (f fileSecrets) Set(key, value string) error {
	secrets := map[string]string{}
	if err := f.file().read(&secrets); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if secrets == nil {
		secrets = map[string]string{}
	}
	secrets[key] = value
	return f.file().write(secrets)
}
