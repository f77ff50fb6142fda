package common

import (
	"encoding/hex"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/golang/glog"
)

// Standard glog verbosity levels used across the worker.
const (
	SHORT   glog.Level = 4
	DEBUG   glog.Level = 5
	VERBOSE glog.Level = 6
)

// HTTPTimeout timeout used in HTTP connections to the local engine API
var HTTPTimeout = 8 * time.Second

// PkgRNG is the package level RNG. Tests may reseed it for determinism.
var PkgRNG = rand.New(rand.NewSource(time.Now().UnixNano()))

var RandomIDGenerator = func(length uint) string {
	x := make([]byte, length)
	PkgRNG.Read(x)
	return hex.EncodeToString(x)
}

// RandName generates random hexadecimal string
func RandName() string {
	return RandomIDGenerator(10)
}

// EnvString returns the value of the environment variable key or def when unset.
func EnvString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// EnvBool parses the environment variable key as a boolean, returning def when
// unset or unparsable.
func EnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		glog.Warningf("Could not parse env %s=%q as bool, using default %v", key, v, def)
		return def
	}
	return b
}

// EnvInt parses the environment variable key as an int, returning def when
// unset or unparsable.
func EnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		glog.Warningf("Could not parse env %s=%q as int, using default %v", key, v, def)
		return def
	}
	return i
}

// EnvDurationMS parses the environment variable key as integer milliseconds,
// returning def when unset or unparsable.
func EnvDurationMS(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		glog.Warningf("Could not parse env %s=%q as milliseconds, using default %v", key, v, def)
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
