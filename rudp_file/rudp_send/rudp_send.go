// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"flag"
	"fmt"
	"hash/crc32"
	"io"
	"net"
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
	if len(args) < 2 {
		_, _ = fmt.Fprintf(os.Stderr, `usage: %s dest-host file-to-send

   dest-host: address of the rudp_recv node, e.g. 127.0.0.1
   file-to-send: the file to upload

`, os.Args[0])
		os.Exit(1)
	}
	destHost := args[0]
	fileName := args[1]

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

	serverIP := net.ParseIP(destHost)
	if ip4 := serverIP.To4(); ip4 != nil {
		serverIP = ip4
	} else {
		logger.Fatalf("destination %q is not an IPv4 address", destHost)
	}
	serverAddr := rudp.NewAddress(serverIP[0], serverIP[1], serverIP[2], serverIP[3], uint16(cfg.ServerPort))

	sender, err := newFileSender(fileName, cfg.PacketSize)
	if err != nil {
		logger.Fatalf("could not prepare %q: %v", fileName, err)
	}
	defer sender.close()

	logger.Infof("sending %q (%d bytes) in %d packets to %s",
		fileName, sender.meta.FileSize, sender.meta.TotalPackets, serverAddr)

	rlog := zapr.NewLogger(plainLogger).WithName("rudp")
	conn := rudp.NewReliableConnection(rlog, cfg.ProtocolID, cfg.Timeout)
	if err := conn.Start(cfg.ClientPort); err != nil {
		logger.Fatalf("could not start connection on port %d: %v", cfg.ClientPort, err)
	}
	defer conn.Stop()
	conn.Connect(serverAddr)

	flowControl := rudp.NewFlowControl(rlog.WithName("flow"))

	dt := 1.0 / cfg.TickRate
	tick := time.Duration(float64(time.Second) / cfg.TickRate)
	sendAccumulator := 0.0
	statsAccumulator := 0.0
	connected := false
	recvBuf := make([]byte, cfg.PacketSize)

	for {
		if conn.IsConnected() {
			flowControl.Update(dt, conn.ReliabilitySystem().RoundTripTime()*1000.0)
		}
		sendRate := flowControl.SendRate()

		if !connected && conn.IsConnected() {
			logger.Infof("connected to server")
			connected = true
		}
		if !connected && conn.ConnectFailed() {
			logger.Fatalf("connection failed")
		}
		if connected && !conn.IsConnected() {
			logger.Fatalf("connection to server lost")
		}

		sendAccumulator += dt
		for sendAccumulator > 1.0/sendRate {
			payload := sender.nextPacket()
			if payload == nil {
				sendAccumulator = 0
				break
			}
			conn.SendPacket(payload)
			sendAccumulator -= 1.0 / sendRate
		}

		for {
			n := conn.ReceivePacket(recvBuf)
			if n == 0 {
				break
			}
			if rudp_file.IsMetadataAck(recvBuf[:n]) {
				logger.Infof("server acknowledged file metadata")
			}
		}

		conn.Update(dt)

		statsAccumulator += dt
		for statsAccumulator >= 0.25 && conn.IsConnected() {
			printStats(conn.ReliabilitySystem())
			statsAccumulator -= 0.25
		}

		if sender.done() && conn.ReliabilitySystem().AckedPackets()+conn.ReliabilitySystem().LostPackets() >= conn.ReliabilitySystem().SentPackets() {
			logger.Infof("transfer complete: CRC32 %08X, %d packets acked, %d lost",
				sender.crc(), conn.ReliabilitySystem().AckedPackets(), conn.ReliabilitySystem().LostPackets())
			return
		}

		conn.WaitReadable(tick)
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

// fileSender walks a file through its packet states: one metadata packet,
// the fixed-size chunks, then the checksum trailer. The checksum
// accumulates as the chunks are read, so the file is only read once.
type fileSender struct {
	file       *os.File
	packetSize int
	meta       rudp_file.Metadata
	digest     uint32
	chunksSent int
	metaSent   bool
	crcSent    bool
}

func newFileSender(fileName string, packetSize int) (*fileSender, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	if info.Size() == 0 {
		_ = file.Close()
		return nil, fmt.Errorf("file %q is empty", fileName)
	}
	return &fileSender{
		file:       file,
		packetSize: packetSize,
		meta: rudp_file.Metadata{
			TotalPackets: rudp_file.ChunkCount(info.Size(), packetSize),
			FileSize:     info.Size(),
			Name:         info.Name(),
		},
	}, nil
}

// nextPacket returns the next payload to send, or nil when everything has
// gone out.
func (fs *fileSender) nextPacket() []byte {
	if !fs.metaSent {
		fs.metaSent = true
		return rudp_file.EncodeMetadata(fs.meta, fs.packetSize)
	}
	if fs.chunksSent < fs.meta.TotalPackets {
		payload := make([]byte, fs.packetSize)
		n, err := io.ReadFull(fs.file, payload)
		if err != nil && err != io.ErrUnexpectedEOF {
			logger.Fatalf("could not read source file: %v", err)
		}
		fs.digest = crc32.Update(fs.digest, crc32.IEEETable, payload[:n])
		fs.chunksSent++
		return payload
	}
	if !fs.crcSent {
		fs.crcSent = true
		return rudp_file.EncodeChecksum(fs.digest, fs.packetSize)
	}
	return nil
}

func (fs *fileSender) done() bool { return fs.crcSent }

func (fs *fileSender) crc() uint32 { return fs.digest }

func (fs *fileSender) close() {
	_ = fs.file.Close()
}
