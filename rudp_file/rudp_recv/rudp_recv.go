// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"flag"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"storj.io/rudp-go"
	"storj.io/rudp-go/rudp_file"
)

var (
	logger *zap.SugaredLogger

	debug      = flag.Bool("debug", false, "Enable debug logging")
	configPath = flag.String("config", "config.yaml", "Transfer settings file")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		_, _ = fmt.Fprintf(os.Stderr, `usage: %s file-to-write

   file-to-write: where to store the received file

`, os.Args[0])
		os.Exit(1)
	}
	fileName := args[0]

	logConfig := zap.NewDevelopmentConfig()
	logConfig.Level.SetLevel(zap.InfoLevel)
	if *debug {
		logConfig.Level.SetLevel(zap.DebugLevel)
	}
	logConfig.Encoding = "console"
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	plainLogger, err := logConfig.Build()
	if err != nil {
		panic(err)
	}
	logger = plainLogger.Sugar()

	cfg, err := rudp_file.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("bad config: %v", err)
	}

	destFile, err := os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0664)
	if err != nil {
		logger.Fatalf("could not open destination file for writing: %v", err)
	}
	defer func() {
		if err := destFile.Close(); err != nil {
			logger.Errorf("failed to close destination file: %v", err)
		}
	}()

	rlog := zapr.NewLogger(plainLogger).WithName("rudp")
	conn := rudp.NewReliableConnection(rlog, cfg.ProtocolID, cfg.Timeout)
	if err := conn.Start(cfg.ServerPort); err != nil {
		logger.Fatalf("could not start connection on port %d: %v", cfg.ServerPort, err)
	}
	defer conn.Stop()
	conn.Listen()
	logger.Infof("listening on port %d", cfg.ServerPort)

	flowControl := rudp.NewFlowControl(rlog.WithName("flow"))

	recv := &fileReceiver{dest: destFile}

	dt := 1.0 / cfg.TickRate
	tick := time.Duration(float64(time.Second) / cfg.TickRate)
	sendAccumulator := 0.0
	statsAccumulator := 0.0
	connected := false
	recvBuf := make([]byte, cfg.PacketSize)

	for !recv.finished {
		if conn.IsConnected() {
			flowControl.Update(dt, conn.ReliabilitySystem().RoundTripTime()*1000.0)
		}
		sendRate := flowControl.SendRate()

		if connected && !conn.IsConnected() {
			logger.Infof("client disconnected, reset flow control")
			flowControl.Reset()
			connected = false
		}
		if !connected && conn.IsConnected() {
			logger.Infof("client connected from %s", conn.RemoteAddress())
			connected = true
		}

		// Keep a paced trickle of packets flowing back so the client
		// receives acks; the payloads carry the metadata reply.
		sendAccumulator += dt
		for connected && sendAccumulator > 1.0/sendRate {
			conn.SendPacket(recv.replyPacket(cfg.PacketSize))
			sendAccumulator -= 1.0 / sendRate
		}
		if !connected {
			sendAccumulator = 0
		}

		for {
			n := conn.ReceivePacket(recvBuf)
			if n == 0 {
				break
			}
			recv.handlePacket(recvBuf[:n])
		}

		conn.Update(dt)

		statsAccumulator += dt
		for statsAccumulator >= 0.25 && conn.IsConnected() {
			printStats(conn.ReliabilitySystem())
			statsAccumulator -= 0.25
		}

		conn.WaitReadable(tick)
	}

	if recv.matched {
		logger.Infof("file transfer successful: CRC32 %08X matched", recv.digest)
	} else {
		logger.Errorf("file transfer failed: client CRC32 %08X, server CRC32 %08X",
			recv.clientCRC, recv.digest)
		os.Exit(1)
	}
}

func printStats(r *rudp.ReliabilitySystem) {
	lossPercent := 0.0
	if r.SentPackets() > 0 {
		lossPercent = float64(r.LostPackets()) / float64(r.SentPackets()) * 100.0
	}
	fmt.Printf("rtt %.1fms, sent %d, acked %d, lost %d (%.1f%%), sent bandwidth = %.1fkbps, acked bandwidth = %.1fkbps\n",
		r.RoundTripTime()*1000.0, r.SentPackets(), r.AckedPackets(), r.LostPackets(),
		lossPercent, r.SentBandwidth(), r.AckedBandwidth())
}

// fileReceiver accumulates one transfer: the metadata announcement, the
// file chunks (hashed and written as they arrive), and the final checksum
// packet that decides the verdict.
type fileReceiver struct {
	dest *os.File

	haveMeta  bool
	meta      rudp_file.Metadata
	received  int64
	digest    uint32
	clientCRC uint32
	matched   bool
	finished  bool
}

func (fr *fileReceiver) handlePacket(payload []byte) {
	if meta, ok := rudp_file.ParseMetadata(payload); ok {
		logger.Infof("receiving %q: %d bytes in %d packets", meta.Name, meta.FileSize, meta.TotalPackets)
		fr.haveMeta = true
		fr.meta = meta
		return
	}
	if crc, ok := rudp_file.ParseChecksum(payload); ok {
		logger.Infof("received file CRC32 %08X", crc)
		fr.clientCRC = crc
		fr.matched = crc == fr.digest
		fr.finished = true
		return
	}
	if !fr.haveMeta {
		logger.Debugf("dropping %d file bytes that arrived before metadata", len(payload))
		return
	}
	// Chunks are all padded to the fixed packet size; the final one is
	// trimmed back against the announced file size.
	remaining := fr.meta.FileSize - fr.received
	if remaining <= 0 {
		return
	}
	if int64(len(payload)) > remaining {
		payload = payload[:remaining]
	}
	fr.digest = crc32.Update(fr.digest, crc32.IEEETable, payload)
	if _, err := fr.dest.Write(payload); err != nil {
		logger.Fatalf("could not write destination file: %v", err)
	}
	fr.received += int64(len(payload))
}

// replyPacket is what the server streams back to carry its acks: the
// metadata acknowledgement once seen, otherwise an empty keepalive.
func (fr *fileReceiver) replyPacket(size int) []byte {
	payload := make([]byte, size)
	if fr.haveMeta {
		copy(payload, rudp_file.MetadataAck)
	}
	return payload
}
