package util

import (
	"os"
	"time"
)

// Check if a file exists and is readable etc
// returns false if not
func CheckFileExists(fpath string) bool {
	_, e := os.Stat(fpath)
	return e == nil
}

// CheckFileAge returns true if the file is older than maxAge.
func CheckFileAge(fpath string, maxAge time.Duration) bool {
	info, err := os.Stat(fpath)
	if err != nil {
		return true
	}
	return time.Since(info.ModTime()) > maxAge
}
