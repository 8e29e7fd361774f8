// Command chat is a line-based text chat over a stream.Endpoint: dial
// a peer or listen for one, print whatever text arrives, and send
// whatever the user types. Typing "kill" shuts the endpoint down
// locally; it never travels over the connection as data.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/charmbracelet/log"

	"github.com/nmerryman/antt-go/stream"
)

func main() {
	var (
		listen = flag.String("listen", "", "address to listen on, e.g. :4000 (server mode)")
		dial   = flag.String("dial", "", "address to dial, e.g. 127.0.0.1:4000 (client mode)")
	)
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "chat",
	})

	if (*listen == "") == (*dial == "") {
		logger.Fatal("exactly one of -listen or -dial must be set")
	}

	conn, actsAsServer, err := connect(*listen, *dial)
	if err != nil {
		logger.Fatal("connect", "err", err)
	}

	ep := stream.New(conn, actsAsServer, logger)
	ep.OnMessage(func(payload []byte) {
		fmt.Println(string(payload))
		fmt.Print(">")
	})

	ctx := context.Background()
	if err := ep.Start(ctx); err != nil {
		logger.Fatal("start endpoint", "err", err)
	}
	if err := ep.BlockUntilVerified(ctx); err != nil {
		logger.Fatal("verification failed", "err", err)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for ep.Verified() {
		fmt.Print(">")
		if !scanner.Scan() {
			break
		}
		text := scanner.Text()
		if text == "kill" {
			ep.Kill()
			break
		}
		if text == "" {
			continue
		}
		if err := ep.Submit([]byte(text)); err != nil {
			logger.Error("submit failed", "err", err)
		}
	}
}

func connect(listen, dial string) (net.Conn, bool, error) {
	if listen != "" {
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return nil, false, err
		}
		defer l.Close()
		conn, err := l.Accept()
		return conn, true, err
	}
	conn, err := net.Dial("tcp", dial)
	return conn, false, err
}
