//go:build !nogpu

package main

// Registers the wgpu executor for -device auto.
import _ "github.com/gogpu/kdtree/gpu"
