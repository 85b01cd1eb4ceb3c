// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package redologd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	sigar "github.com/cloudfoundry/gosigar"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/redolog/pkg/redolog"
	"github.com/westerndigitalcorporation/redolog/pkg/redolog/dblog"
	"github.com/westerndigitalcorporation/redolog/pkg/redolog/streamlog"
)

const statusTemplateStr = `
<!doctype html>
<html lang="en">
<head>
  <title>redologd status</title>
  <style>
    caption {
      caption-side: top;
      text-align: left;
      font-weight: bold;
    }
    table.status {
      border-collapse: collapse;
    }
    table.status td {
      border: 1px solid #DDD;
      text-align: left;
      padding: 4px 8px;
    }
    table.status th {
      border: 1px solid #DDD;
      text-align: left;
      padding: 8px;
      background-color: #009900;
      color: white;
    }
    table.status tr:nth-child(even) {background-color: #F2F2F2;}
  </style>
</head>

<body>

<h3>redologd {{.ServerID}}</h3>

<table>
  <tr><td>Backend:</td><td>{{.Backend}}</td></tr>
  <tr><td>Sequence:</td><td>{{.Sequence}}</td></tr>
  <tr><td>Size:</td><td>{{.Size}} bytes{{if .Empty}} (empty){{end}}</td></tr>
  <tr><td>Created:</td><td>{{msToTime .CreateTime}}</td></tr>
  <tr><td>Last append:</td><td>{{msToTime .LastLogTime}}</td></tr>
  <tr><td>Log dir:</td><td>{{.LogDir}}: {{kbToMB .DiskAvail}} / {{kbToMB .DiskTotal}} mb free</td></tr>
  <tr><td>Free memory:</td><td>{{byteToMB .FreeMem}} / {{byteToMB .TotalMem}} mb</td></tr>
  <tr><td>Last reboot:</td><td>{{.Reboot}}</td></tr>
  {{if .Reader}}
  <tr><td>Consumer:</td><td>{{.Consumer}}</td></tr>
  <tr><td>Replay:</td><td>{{.Reader.Applied}} applied / {{.Reader.ApplyErrors}} failed / {{.Reader.Dropped}} dropped / {{.Reader.Duplicates}} duplicates</td></tr>
  {{end}}
</table>

<br>
<table class="status">
  <caption>Operations</caption>
  <tr>
    <th>Operation</th>
    <th>Stats</th>
  </tr>
  {{range $k, $v := .Ops}}
  <tr>
    <td>{{$k}}</td>
    <td>{{$v}}</td>
  </tr>
  {{end}}
</table>

<br>
status update time: {{.Now}}
`

// StatusData includes redologd status info.
type StatusData struct {
	ServerID    string
	Backend     string
	Sequence    int64
	Size        int64
	Empty       bool
	CreateTime  int64
	LastLogTime int64

	LogDir    string
	DiskTotal uint64 // kB
	DiskAvail uint64 // kB
	FreeMem   uint64
	TotalMem  uint64

	Consumer string
	Reader   *streamlog.ReaderStats

	Ops    map[string]string
	Reboot time.Time
	Now    time.Time
}

// Convert bytes into mbs.
func byteToMB(in uint64) uint64 {
	return in / 1024 / 1024
}

func kbToMB(in uint64) uint64 {
	return in / 1024
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

var (
	// When was the last reboot?
	reboot = time.Now()

	funcMap = template.FuncMap{"byteToMB": byteToMB, "kbToMB": kbToMB, "msToTime": msToTime}

	statusTemplate = template.Must(template.New("status_html").Funcs(funcMap).Parse(statusTemplateStr))
)

// statusHandler sends json encoded status if the "Accept" header is
// "application/json", and html otherwise.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/status" {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("Accept") == "application/json" {
		s.handleJSON(w)
	} else {
		s.handleHTML(w)
	}
}

// Generate status data.
func (s *Server) genStatus() StatusData {
	mem := sigar.Mem{}
	if err := mem.Get(); nil != err {
		log.Errorf("failed to get memory info: %s", err)
		mem.ActualFree = 0
		mem.Total = 0
	}

	dir := s.logDir()
	fs := sigar.FileSystemUsage{}
	if err := fs.Get(dir); err != nil {
		log.Errorf("failed to get usage of %s: %s", dir, err)
	}

	size, err := s.writer.Size()
	if err != nil {
		size = -1
	}
	empty, _ := s.writer.IsEmpty()

	data := StatusData{
		ServerID:    s.cfg.ServerID,
		Backend:     s.cfg.Backend,
		Sequence:    s.writer.Sequence(),
		Size:        size,
		Empty:       empty,
		CreateTime:  s.writer.CreateTime(),
		LastLogTime: s.writer.LastLogTime(),
		LogDir:      dir,
		DiskTotal:   fs.Total,
		DiskAvail:   fs.Avail,
		FreeMem:     mem.ActualFree,
		TotalMem:    mem.Total,
		Ops:         s.opStrings(),
		Reboot:      reboot,
		Now:         time.Now(),
	}
	if s.reader != nil {
		stats := s.reader.Stats()
		data.Reader = &stats
		data.Consumer = s.reader.Consumer()
	}
	return data
}

// opStrings collects the latency summaries of the components in use.
func (s *Server) opStrings() map[string]string {
	out := make(map[string]string)
	add := func(prefix string, m map[string]string) {
		for k, v := range m {
			out[prefix+"/"+k] = v
		}
	}
	switch s.cfg.Backend {
	case BackendFile:
		add("file", redolog.FileOpStrings())
	case BackendDB:
		add("db", dblog.OpStrings())
	case BackendStream:
		add("stream", streamlog.WriterOpStrings())
	}
	if s.reader != nil {
		add("reader", streamlog.ReaderOpStrings())
	}
	return out
}

func (s *Server) handleHTML(w http.ResponseWriter) {
	var b bytes.Buffer
	if err := statusTemplate.Execute(&b, s.genStatus()); err != nil {
		e := fmt.Sprintf("failed to encode html status data: %s", err)
		log.Errorf(e)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(e))
		return
	}

	w.Header().Set("Content-Type", "text/html")
	w.Write(b.Bytes())
}

func (s *Server) handleJSON(w http.ResponseWriter) {
	var b bytes.Buffer
	if err := json.NewEncoder(&b).Encode(s.genStatus()); err != nil {
		e := fmt.Sprintf("failed to encode json status data: %s", err)
		log.Errorf(e)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(e))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(b.Bytes())
}
