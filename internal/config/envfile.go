package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// loadEnvFile copies KEY=value pairs from a dotenv file into the process
// environment without overriding variables that are already present.
// A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" || strings.EqualFold(path, "none") {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("APP_ENV_FILE stat: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("APP_ENV_FILE parse error: %w", err)
	}
	for _, key := range v.AllKeys() {
		name := strings.ToUpper(key)
		if _, set := os.LookupEnv(name); set {
			continue
		}
		if err := os.Setenv(name, v.GetString(key)); err != nil {
			return fmt.Errorf("APP_ENV_FILE set %s: %w", name, err)
		}
	}
	return nil
}
