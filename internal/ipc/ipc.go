// Copyright 2025 IndexFS Authors
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

// Package ipc lets CLI invocations query a running watcher over a unix
// socket, so searches hit the live in-memory index instead of the
// persisted copy.
package ipc

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"indexfs/internal/config"
	"indexfs/internal/search"
)

// Request types
const (
	RequestSearch = "search"
	RequestStatus = "status"
	RequestScan   = "scan"   // Trigger a rescan of one or all volumes
	RequestStop   = "stop"   // Shut the watcher down
	RequestTxList = "txlist" // List recent transactions
)

// Request represents one IPC request.
type Request struct {
	Type   string `json:"type"`
	Volume string `json:"volume,omitempty"` // empty = all volumes

	// Search fields
	Query *search.Query `json:"query,omitempty"`

	// TxList fields
	Window time.Duration `json:"window,omitempty"`
}

// VolumeStatus reports one volume's live index state.
type VolumeStatus struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	LastSeq uint64 `json:"last_seq"`
	Dropped uint64 `json:"dropped,omitempty"`
	Partial bool   `json:"partial,omitempty"`
}

// SearchMatch is one result row.
type SearchMatch struct {
	Volume   string    `json:"volume"`
	Path     string    `json:"path"`
	Size     uint64    `json:"size"`
	Modified time.Time `json:"modified"`
	IsDir    bool      `json:"is_dir,omitempty"`
}

// TransactionInfo summarizes one transaction for listing.
type TransactionInfo struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Ops       int       `json:"ops"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
}

// Response represents one IPC response.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	PID     int    `json:"pid,omitempty"`

	Volumes []VolumeStatus `json:"volumes,omitempty"`

	// Search response fields
	Matches []SearchMatch `json:"matches,omitempty"`
	Total   int           `json:"total,omitempty"`
	Partial bool          `json:"partial,omitempty"`

	Transactions []TransactionInfo `json:"transactions,omitempty"`
}

// Server answers requests on the watcher's unix socket.
type Server struct {
	listener net.Listener
	handler  func(*Request) *Response
}

// NewServer creates an IPC server around a request handler.
func NewServer(handler func(*Request) *Response) *Server {
	return &Server{handler: handler}
}

// Start listens on the socket and serves in the background.
func (s *Server) Start() error {
	// Remove a stale socket from a previous run.
	os.Remove(config.SocketPath())

	listener, err := net.Listen("unix", config.SocketPath())
	if err != nil {
		return fmt.Errorf("failed to create socket: %w", err)
	}
	s.listener = listener

	os.Chmod(config.SocketPath(), 0o600)

	go s.accept()
	return nil
}

// Stop closes the listener and removes the socket.
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
		os.Remove(config.SocketPath())
	}
}

func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // Server stopped
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	var req Request
	if err := decoder.Decode(&req); err != nil {
		return
	}

	resp := s.handler(&req)

	encoder := json.NewEncoder(conn)
	encoder.Encode(resp)
}

// Client talks to a running watcher.
type Client struct {
	conn net.Conn
}

// Connect dials the watcher socket. Fails fast when no watcher runs.
func Connect() (*Client, error) {
	conn, err := net.DialTimeout("unix", config.SocketPath(), time.Second)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send sends one request and reads the response.
func (c *Client) Send(req *Request) (*Response, error) {
	encoder := json.NewEncoder(c.conn)
	if err := encoder.Encode(req); err != nil {
		return nil, err
	}

	decoder := json.NewDecoder(c.conn)
	var resp Response
	if err := decoder.Decode(&resp); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("watcher closed connection")
		}
		return nil, err
	}
	return &resp, nil
}

// Search queries one volume (or all, when volume is empty).
func (c *Client) Search(volume string, q search.Query) (*Response, error) {
	return c.Send(&Request{Type: RequestSearch, Volume: volume, Query: &q})
}

// Status reports the watcher's volumes.
func (c *Client) Status() (*Response, error) {
	return c.Send(&Request{Type: RequestStatus})
}

// Scan triggers a rescan.
func (c *Client) Scan(volume string) (*Response, error) {
	return c.Send(&Request{Type: RequestScan, Volume: volume})
}

// Stop asks the watcher to shut down.
func (c *Client) Stop() (*Response, error) {
	return c.Send(&Request{Type: RequestStop})
}
