package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// LogLevel returns the log level for the application.
// Values are 0 or false INFO (Default), 1 or true DEBUG, 2 TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("NANODECODE_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

var (
	// NumThreads bounds how many attention heads run concurrently
	NumThreads = Uint("NANODECODE_NUM_THREADS", uint(runtime.NumCPU()))
	// PrefixBlockSize is the token granularity of prompt prefix reuse. 0 disables reuse.
	PrefixBlockSize = Uint("NANODECODE_PREFIX_BLOCK", 16)
	// KVCacheType is the storage type of the KV cache: bf16 (default) or f16
	KVCacheType = String("NANODECODE_KV_DTYPE")
)

func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}

		return defaultValue
	}
}

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"NANODECODE_DEBUG":        {"NANODECODE_DEBUG", LogLevel(), "Show additional debug information (e.g. NANODECODE_DEBUG=1)"},
		"NANODECODE_NUM_THREADS":  {"NANODECODE_NUM_THREADS", NumThreads(), "Maximum attention heads computed in parallel (default: number of CPUs)"},
		"NANODECODE_PREFIX_BLOCK": {"NANODECODE_PREFIX_BLOCK", PrefixBlockSize(), "Prompt prefix reuse block size in tokens, 0 disables (default: 16)"},
		"NANODECODE_KV_DTYPE":     {"NANODECODE_KV_DTYPE", KVCacheType(), "Storage type for the K/V cache: bf16 or f16 (default: bf16)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Var returns an environment variable stripped of leading and trailing quotes or spaces
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
