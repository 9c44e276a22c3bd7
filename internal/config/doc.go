// Package config holds engine configuration loaded from file or built from
// defaults. Values map directly onto hybrid log geometry (page size, buffer
// pages, reserved empty pages, mutable fraction) and device selection.
package config
