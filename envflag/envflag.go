// Package envflag supplies flag defaults from the environment.
//
// Importing the package loads a .env file from the working directory, if
// there is one.  Variables already set in the environment win over the file.
package envflag

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/joho/godotenv"
)

// File is the dotenv file loaded at startup.
const File = ".env"

func init() {
	if err := Load(File); err != nil {
		glog.Warningf("Ignoring %s: %v", File, err)
	}
}

// Load reads variables from a dotenv file.  A missing file is not an error.
func Load(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func String(name, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return def
}

func Bool(name string, def bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		glog.Warningf("Ignoring %s=%q: %v", name, v, err)
		return def
	}
	return b
}

func Float64(name string, def float64) float64 {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		glog.Warningf("Ignoring %s=%q: %v", name, v, err)
		return def
	}
	return f
}

func Duration(name string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		glog.Warningf("Ignoring %s=%q: %v", name, v, err)
		return def
	}
	return d
}
