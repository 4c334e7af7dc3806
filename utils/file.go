package utils

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// GetUniqSubDir creates a new uniquely named directory below parentPath.
func GetUniqSubDir(parentPath string) (path string, err error) {
	path = filepath.Join(parentPath, uuid.NewString())
	err = os.MkdirAll(path, os.ModePerm)
	return
}
