// stream_call plays a raw L16 file into a running relay the way the voice
// API would: it fetches the NCCO, opens the socket it names and streams audio
// in 20ms frames.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/tonerelay/pkg/transports/vonage"
)

// 16kHz, 16-bit mono.
const (
	frameBytes    = 640
	frameInterval = 20 * time.Millisecond
)

func main() {
	server := flag.String("server", "http://localhost:8000", "relay base url")
	audioPath := flag.String("audio", "", "raw audio/l16;rate=16000 file")
	to := flag.String("to", "", "number reported as the call destination")
	socketURL := flag.String("ws_url", "", "override the socket url from the NCCO")
	flag.Parse()
	if *audioPath == "" {
		fmt.Println("usage: stream_call -audio=call.raw [-server=http://localhost:8000] [-to=447700900000]")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	target := *socketURL
	contentType := "audio/l16;rate=16000"
	if target == "" {
		ep, err := fetchEndpoint(ctx, *server, *to)
		if err != nil {
			fmt.Println("ncco error:", err)
			os.Exit(1)
		}
		target = toSocketScheme(ep.URI)
		contentType = ep.ContentType
	}

	audio, err := os.Open(*audioPath)
	if err != nil {
		fmt.Println("audio error:", err)
		os.Exit(1)
	}
	defer audio.Close()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		fmt.Println("dial error:", err)
		os.Exit(1)
	}
	defer conn.Close()
	go drain(conn)

	start, _ := json.Marshal(map[string]string{
		"event":        "websocket:connected",
		"content-type": contentType,
	})
	if err := conn.WriteMessage(websocket.TextMessage, start); err != nil {
		fmt.Println("start error:", err)
		os.Exit(1)
	}

	sent, err := stream(ctx, conn, audio)
	if err != nil {
		fmt.Println("stream error:", err)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	fmt.Printf("streamed %d frames to %s\n", sent, target)
}

func fetchEndpoint(ctx context.Context, server, to string) (vonage.Endpoint, error) {
	u := strings.TrimRight(server, "/") + "/"
	if to != "" {
		u += "?" + url.Values{"to": {to}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return vonage.Endpoint{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return vonage.Endpoint{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return vonage.Endpoint{}, fmt.Errorf("ncco returned %d", resp.StatusCode)
	}
	var ncco []vonage.Action
	if err := json.NewDecoder(resp.Body).Decode(&ncco); err != nil {
		return vonage.Endpoint{}, err
	}
	for _, a := range ncco {
		if a.Action != "connect" {
			continue
		}
		for _, ep := range a.Endpoint {
			if ep.Type == "websocket" {
				return ep, nil
			}
		}
	}
	return vonage.Endpoint{}, fmt.Errorf("ncco has no websocket endpoint")
}

func toSocketScheme(raw string) string {
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	default:
		return raw
	}
}

func stream(ctx context.Context, conn *websocket.Conn, r io.Reader) (int, error) {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()
	buf := make([]byte, frameBytes)
	sent := 0
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return sent, werr
			}
			sent++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return sent, nil
		}
		if err != nil {
			return sent, err
		}
		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		case <-ticker.C:
		}
	}
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
