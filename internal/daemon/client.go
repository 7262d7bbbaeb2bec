// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net"
)

// Client is a thin NDJSON client for one daemon connection. Each method
// that sends a command returns the first reply off the wire; callers
// that need every subsequent message (subscribe, run) call Next.
type Client struct {
	conn    net.Conn
	enc     *json.Encoder
	scanner *bufio.Scanner
}

// Dial connects to the daemon listening on socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	return &Client{conn: conn, enc: json.NewEncoder(conn), scanner: scanner}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) send(cmd Command) error {
	return c.enc.Encode(cmd)
}

// WriteRaw writes data directly to the connection, bypassing command
// encoding — used by tests exercising the server's malformed-line
// tolerance.
func (c *Client) WriteRaw(data []byte) (int, error) {
	return c.conn.Write(data)
}

// Next blocks for the next message on the connection. It returns the
// scanner's read error, or a plain "connection closed" error when the
// stream ends; neither wraps io.EOF.
func (c *Client) Next() (Message, error) {
	for c.scanner.Scan() {
		line := bytes.TrimSpace(c.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// Malformed lines are skipped rather than surfaced — the
			// NDJSON stream itself never fails on bad input.
			continue
		}
		return msg, nil
	}
	if err := c.scanner.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, fmt.Errorf("daemon: connection closed")
}

// Run submits a pipeline definition for execution and returns the
// server's ack. Subsequent event/done messages arrive via Next.
func (c *Client) Run(pipelineYAML, root string, opts RunOptions) (Message, error) {
	if err := c.send(Command{Type: CommandRun, Pipeline: pipelineYAML, Root: root, Options: &opts}); err != nil {
		return Message{}, err
	}
	return c.Next()
}

// Status requests the most recent or active session snapshot.
func (c *Client) Status() (Message, error) {
	if err := c.send(Command{Type: CommandStatus}); err != nil {
		return Message{}, err
	}
	return c.Next()
}

// Subscribe attaches this connection as a live event subscriber. It
// does not wait for a reply — events begin arriving via Next
// immediately.
func (c *Client) Subscribe(logs bool) error {
	return c.send(Command{Type: CommandSubscribe, Logs: logs})
}

// Cancel requests cancellation of the active pipeline run, if any.
func (c *Client) Cancel() error {
	return c.send(Command{Type: CommandCancel})
}
