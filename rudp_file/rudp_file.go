// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package rudp_file carries the pieces shared by the rudp_send and
// rudp_recv tools: the transfer configuration, the control-packet formats,
// and the whole-file checksum.
package rudp_file

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the settings both tools must agree on. The zero value is
// not useful; start from DefaultConfig.
type Config struct {
	// ProtocolID segregates this transfer traffic from anything else
	// sharing the ports.
	ProtocolID uint32 `yaml:"protocol_id"`
	// ServerPort is where rudp_recv listens.
	ServerPort int `yaml:"server_port"`
	// ClientPort is the local port rudp_send binds.
	ClientPort int `yaml:"client_port"`
	// Timeout is the connection liveness window, in seconds.
	Timeout float64 `yaml:"timeout"`
	// PacketSize is the fixed payload size of every transfer packet.
	PacketSize int `yaml:"packet_size"`
	// TickRate is the main-loop frequency, in ticks per second.
	TickRate float64 `yaml:"tick_rate"`
}

// DefaultConfig returns the compiled-in settings.
func DefaultConfig() Config {
	return Config{
		ProtocolID: 0x11223344,
		ServerPort: 30000,
		ClientPort: 30001,
		Timeout:    10.0,
		PacketSize: 256,
		TickRate:   30.0,
	}
}

// LoadConfig reads path as YAML over the defaults. A missing file is not
// an error: the defaults are returned untouched.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("could not read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("could not parse config %q: %w", path, err)
	}
	if cfg.PacketSize < minPacketSize {
		return cfg, fmt.Errorf("packet_size %d is too small for the control packets", cfg.PacketSize)
	}
	if cfg.TickRate <= 0 {
		return cfg, fmt.Errorf("tick_rate must be positive")
	}
	return cfg, nil
}

// Control packets travel in the same fixed-size payloads as file data and
// are told apart by prefix, so the prefixes must never occur at the start
// of a chunk boundary in practice. File data is opaque; only the first
// packet (metadata) and the last (checksum) are control packets, plus the
// server's metadata acknowledgement, which it repeats in every reply once
// the metadata has arrived.
const (
	metadataPrefix = "File|"
	checksumPrefix = "CRC32|"
	// MetadataAck is the server's reply to a metadata packet.
	MetadataAck = "ACK_FILE_INFO"

	minPacketSize = 64
)

// Metadata announces a transfer: how many packets follow, how many bytes
// they carry in total, and the file's name.
type Metadata struct {
	TotalPackets int
	FileSize     int64
	Name         string
}

// EncodeMetadata renders m into a payload of exactly size bytes.
func EncodeMetadata(m Metadata, size int) []byte {
	payload := make([]byte, size)
	copy(payload, fmt.Sprintf("%s%d|%d|%s", metadataPrefix, m.TotalPackets, m.FileSize, m.Name))
	return payload
}

// ParseMetadata decodes a metadata payload, reporting ok=false when the
// payload is not a metadata packet.
func ParseMetadata(payload []byte) (m Metadata, ok bool) {
	s := string(trimPayload(payload))
	if !strings.HasPrefix(s, metadataPrefix) {
		return Metadata{}, false
	}
	parts := strings.SplitN(s[len(metadataPrefix):], "|", 3)
	if len(parts) != 3 {
		return Metadata{}, false
	}
	totalPackets, err := strconv.Atoi(parts[0])
	if err != nil || totalPackets < 0 {
		return Metadata{}, false
	}
	fileSize, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || fileSize < 0 {
		return Metadata{}, false
	}
	return Metadata{TotalPackets: totalPackets, FileSize: fileSize, Name: parts[2]}, true
}

// EncodeChecksum renders the final whole-file CRC32 packet.
func EncodeChecksum(crc uint32, size int) []byte {
	payload := make([]byte, size)
	copy(payload, fmt.Sprintf("%s%08X", checksumPrefix, crc))
	return payload
}

// ParseChecksum decodes a checksum payload, reporting ok=false when the
// payload is not a checksum packet.
func ParseChecksum(payload []byte) (crc uint32, ok bool) {
	s := string(trimPayload(payload))
	if !strings.HasPrefix(s, checksumPrefix) {
		return 0, false
	}
	value, err := strconv.ParseUint(s[len(checksumPrefix):], 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(value), true
}

// IsMetadataAck reports whether payload is the server's metadata reply.
func IsMetadataAck(payload []byte) bool {
	return string(trimPayload(payload)) == MetadataAck
}

// trimPayload cuts a fixed-size payload back to its string content.
func trimPayload(payload []byte) []byte {
	if i := bytes.IndexByte(payload, 0); i >= 0 {
		return payload[:i]
	}
	return payload
}

// FileCRC32 computes the checksum both ends compare: CRC-32 with the
// reversed 0xEDB88320 polynomial over the entire file contents.
func FileCRC32(r io.Reader) (uint32, error) {
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, r); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}

// ChunkCount returns how many fixed-size packets a file of fileSize bytes
// occupies.
func ChunkCount(fileSize int64, packetSize int) int {
	if fileSize == 0 {
		return 0
	}
	return int((fileSize + int64(packetSize) - 1) / int64(packetSize))
}
