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

package ipc

import (
	"context"
	"os"
	"sort"
	"time"

	"indexfs/internal/service"
)

// Handler bridges IPC requests onto a running service. stop is invoked
// on a RequestStop, after the response is sent back.
func Handler(svc *service.Service, stop func()) func(*Request) *Response {
	return func(req *Request) *Response {
		switch req.Type {
		case RequestStatus:
			return handleStatus(svc)
		case RequestSearch:
			return handleSearch(svc, req)
		case RequestScan:
			return handleScan(svc, req)
		case RequestTxList:
			return handleTxList(svc, req)
		case RequestStop:
			go func() {
				time.Sleep(100 * time.Millisecond)
				stop()
			}()
			return &Response{Success: true}
		default:
			return &Response{Error: "unknown request type: " + req.Type}
		}
	}
}

func requestVolumes(svc *service.Service, req *Request) []string {
	if req.Volume != "" {
		return []string{req.Volume}
	}
	names := svc.Volumes()
	sort.Strings(names)
	return names
}

func handleStatus(svc *service.Service) *Response {
	resp := &Response{Success: true, PID: os.Getpid()}
	names := svc.Volumes()
	sort.Strings(names)
	for _, name := range names {
		stats, err := svc.Stats(name)
		if err != nil {
			continue
		}
		resp.Volumes = append(resp.Volumes, VolumeStatus{
			Name:    name,
			Entries: stats.Entries,
			LastSeq: stats.LastSeq,
			Dropped: stats.Dropped,
			Partial: stats.Partial,
		})
	}
	return resp
}

func handleSearch(svc *service.Service, req *Request) *Response {
	if req.Query == nil {
		return &Response{Error: "search request without a query"}
	}
	resp := &Response{Success: true}
	for _, vol := range requestVolumes(svc, req) {
		res, err := svc.Search(context.Background(), vol, *req.Query)
		if err != nil {
			return &Response{Error: err.Error()}
		}
		for _, m := range res.Matches {
			resp.Matches = append(resp.Matches, SearchMatch{
				Volume:   vol,
				Path:     m.Path,
				Size:     m.File.Size,
				Modified: m.File.Modified,
				IsDir:    m.File.IsDir(),
			})
		}
		resp.Total += res.Total
		resp.Partial = resp.Partial || res.Partial
	}
	return resp
}

func handleScan(svc *service.Service, req *Request) *Response {
	for _, vol := range requestVolumes(svc, req) {
		if _, err := svc.Scan(context.Background(), vol); err != nil {
			return &Response{Error: err.Error()}
		}
	}
	return handleStatus(svc)
}

func handleTxList(svc *service.Service, req *Request) *Response {
	window := req.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	txs, err := svc.ListRecentTransactions(context.Background(), window)
	if err != nil {
		return &Response{Error: err.Error()}
	}
	resp := &Response{Success: true}
	for _, tx := range txs {
		resp.Transactions = append(resp.Transactions, TransactionInfo{
			ID:        tx.ID,
			Status:    string(tx.Status),
			Ops:       len(tx.Ops),
			UpdatedAt: tx.UpdatedAt,
			Error:     tx.Error,
		})
	}
	return resp
}
