// Package volume provides structured scalar volumes for kdtree.
//
// [Grid] is an in-memory field of float32 samples, x fastest. It implements
// kdtree.Volume. Synthetic fields ([NewSphere], [NewRamp], [NewFunc]) are
// useful for tests and demos; [LoadRaw] reads u8, u16 or f32 little-endian
// raw files, optionally zstd-compressed, described by a YAML [Descriptor].
//
// Integer samples are normalized to [0, 1]. Float samples are kept as is.
package volume
