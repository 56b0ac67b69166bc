// Package hash provides the CRC32-Castagnoli checksum used by segment and
// manifest files to detect corruption.
package hash
