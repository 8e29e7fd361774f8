// Command shell-client is the companion to shell-server: a line-input
// shell that sends ls/cd/dl requests and prints the envelope-framed
// replies, logging the elapsed wait when a reply takes more than a few
// seconds.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nmerryman/antt-go/config"
	"github.com/nmerryman/antt-go/datagram"
	"github.com/nmerryman/antt-go/envelope"
)

func main() {
	var (
		listenPort = flag.Int("listen", 33553, "local UDP port")
		remotePort = flag.Int("remote", 33773, "remote UDP port")
		remoteHost = flag.String("remote-host", "127.0.0.1", "remote host")
		cfgPath    = flag.String("config", "", "path to antt.toml (optional)")
	)
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "shell-client",
	})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("load config", "err", err)
	}

	local := &net.UDPAddr{IP: net.IPv4zero, Port: *listenPort}
	remote, err := net.ResolveUDPAddr("udp", net.JoinHostPort(*remoteHost, strconv.Itoa(*remotePort)))
	if err != nil {
		logger.Fatal("resolve remote", "err", err)
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		logger.Fatal("bind local port", "err", err)
	}

	ep := datagram.NewEndpoint(cfg.ToDatagramConfig(), conn, remote, logger)
	ctx := context.Background()
	if err := ep.Start(ctx, false); err != nil {
		logger.Fatal("start endpoint", "err", err)
	}
	if err := ep.BlockUntilVerified(ctx); err != nil {
		logger.Fatal("verification failed", "err", err)
	}

	fmt.Println(`Imagine a shell
cd [dir name] - as expected
ls - as expected
dl [src name] - download file`)

	scanner := bufio.NewScanner(os.Stdin)
	for ep.Alive() {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		req := buildRequest(line)
		if err := ep.Submit(req); err != nil {
			logger.Error("submit failed", "err", err)
			continue
		}
		resp, err := waitForReply(ctx, ep, logger)
		if err != nil {
			logger.Error("no reply", "err", err)
			continue
		}
		printReply(resp)
	}
}

func buildRequest(line string) []byte {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		req, _ := envelope.New("", "", "", "").Generate()
		return req
	}
	typ := parts[0]
	value := ""
	if strings.Contains(line, `"`) {
		value = strings.Join(parts[1:], " ")
		value = strings.Trim(value, `"`)
	} else if len(parts) > 1 {
		value = parts[1]
	}
	req, _ := envelope.New(typ, value, "", "").Generate()
	return req
}

// waitForReply blocks for the server's response, logging the elapsed
// wait every half second once it has taken more than 5 seconds.
func waitForReply(ctx context.Context, ep *datagram.Endpoint, logger *log.Logger) ([]byte, error) {
	start := time.Now()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	popCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		data, err := ep.Pop(popCtx)
		resCh <- result{data, err}
	}()

	for {
		select {
		case r := <-resCh:
			return r.data, r.err
		case <-ticker.C:
			if time.Since(start) > 5*time.Second {
				logger.Info("still waiting for reply", "elapsed", time.Since(start).Round(time.Second))
			}
		}
	}
}

func printReply(raw []byte) {
	resp, err := envelope.Parse(raw)
	if err != nil {
		fmt.Println("malformed response:", err)
		return
	}
	switch resp.Type.String() {
	case "ls":
		fmt.Println("Dirs:", resp.Value.String())
		fmt.Println("Files:", resp.Data.String())
	case "cd":
		fmt.Println(resp.Value.String())
	case "text":
		fmt.Println(resp.Value.String())
	case "file":
		fmt.Print("Save as name> ")
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			return
		}
		name := strings.TrimSpace(scanner.Text())
		if name == "" {
			return
		}
		if err := os.WriteFile(name, resp.Value.Value, 0644); err != nil {
			fmt.Println("write failed:", err)
			return
		}
		fmt.Println("file received")
	default:
		fmt.Println("unrecognized response type:", resp.Type.String())
	}
}
