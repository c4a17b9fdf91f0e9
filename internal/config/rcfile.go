package config

import (
	"bufio"
	"os"
	"strings"
)

// RCFileName is looked up in the working directory and the home directory
const RCFileName = ".devproxyrc"

// ParseRCFile parses a run commands file. Each line is a flag name and an
// optional value separated by whitespace; a bare flag name means "true".
// Blank lines and lines starting with # are ignored.
func ParseRCFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, " ")
		value = strings.TrimSpace(value)
		if !found || value == "" {
			value = "true"
		}
		values[strings.TrimPrefix(key, "--")] = value
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return values, nil
}

// FindRCFile returns the first run commands file that exists, or ""
func FindRCFile() string {
	candidates := []string{RCFileName}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, home+string(os.PathSeparator)+RCFileName)
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
