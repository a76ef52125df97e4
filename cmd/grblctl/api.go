package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/gorilla/mux"
	"github.com/joushou/gocnc/gcode"
	"github.com/joushou/gocnc/vm"

	"github.com/mastercactapus/grblctl/coord"
	"github.com/mastercactapus/grblctl/grbl"
)

type api struct {
	http.Handler
	sess *grbl.Session
	sse  *sse.Server
	hub  *statusHub
}

func newAPI(sess *grbl.Session) *api {
	r := mux.NewRouter()

	a := &api{
		Handler: r,
		sess:    sess,
		sse: sse.NewServer(&sse.Options{
			Logger: log.New(ioutil.Discard, "", 0),
		}),
		hub: newStatusHub(),
	}

	r.HandleFunc("/api/run", a.run).Methods("POST")
	r.HandleFunc("/api/settings", a.getSettings).Methods("GET")
	r.HandleFunc("/api/settings", a.putSettings).Methods("PUT")
	r.HandleFunc("/api/command/{cmd}", a.command).Methods("POST")
	r.HandleFunc("/api/realtime/{cmd}", a.realtime).Methods("POST")
	r.HandleFunc("/ws", a.hub.serve)
	r.PathPrefix("/events/").Handler(a.sse)

	go a.stateLoop()
	go a.statusLoop()

	return a
}

func (a *api) stateLoop() {
	for st := range a.sess.Transitions() {
		a.sse.SendMessage("/events/state", sse.SimpleMessage(st.String()))
	}
}

func (a *api) statusLoop() {
	for range time.NewTicker(500 * time.Millisecond).C {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		rep, err := a.sess.Status(ctx)
		cancel()
		if err != nil {
			// no report within the window; try again next tick
			continue
		}
		data, err := json.Marshal(struct {
			Status string
			MPos   coord.Point
			WPos   coord.Point
		}{rep.Status, rep.MPos, rep.WPos()})
		if err != nil {
			log.Printf("ERROR: marshal json: %+v", err)
			continue
		}
		a.sse.SendMessage("/events/status", sse.SimpleMessage(string(data)))
		a.hub.broadcast(data)
	}
}

func (a *api) run(w http.ResponseWriter, req *http.Request) {
	data, err := ioutil.ReadAll(req.Body)
	if err != nil {
		return
	}
	program := string(data)

	if req.URL.Query().Get("check") == "1" {
		doc, err := gcode.Parse(strings.TrimSpace(program))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var m vm.Machine
		m.Init()
		m.Process(doc)
	}

	res, err := a.sess.StreamProgram(req.Context(), strings.Split(program, "\n"))
	if err != nil {
		log.Printf("ERROR: run: %+v", err)
		http.Error(w, err.Error(), 500)
		return
	}

	type lineError struct {
		Line  string
		Error string
	}
	var summary struct {
		Lines    int
		Errors   []lineError
		Warnings []string
	}
	summary.Lines = len(res.Outcomes)
	for _, o := range res.Outcomes {
		if o.Err != nil {
			summary.Errors = append(summary.Errors, lineError{o.Line, o.Err.Error()})
		}
	}
	summary.Warnings = res.Warnings
	err = json.NewEncoder(w).Encode(summary)
	if err != nil {
		log.Println("ERROR: encode:", err)
	}
}

func (a *api) getSettings(w http.ResponseWriter, req *http.Request) {
	snap, err := a.sess.Settings(req.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	ids := make([]int, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	type row struct {
		ID    int
		Value string
		Info  string
	}
	rows := make([]row, 0, len(ids))
	for _, id := range ids {
		info, _ := a.sess.Schema().Describe(id)
		rows = append(rows, row{id, snap[id].String(), info})
	}
	err = json.NewEncoder(w).Encode(rows)
	if err != nil {
		log.Println("ERROR: encode:", err)
	}
}

func (a *api) putSettings(w http.ResponseWriter, req *http.Request) {
	var vals map[int]string
	if err := json.NewDecoder(req.Body).Decode(&vals); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	changes := make(map[int]grbl.Value, len(vals))
	for id, token := range vals {
		_, v, err := a.sess.Schema().DecodeLine(fmt.Sprintf("$%d=%s", id, token))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		changes[id] = v
	}

	if err := a.sess.ApplySettings(req.Context(), changes); err != nil {
		log.Printf("ERROR: apply settings: %+v", err)
		http.Error(w, err.Error(), 500)
		return
	}

	if _, err := a.sess.RefreshSettings(req.Context()); err != nil {
		log.Printf("ERROR: refresh settings: %+v", err)
	}
}

func (a *api) command(w http.ResponseWriter, req *http.Request) {
	name := mux.Vars(req)["cmd"]
	if len(name) != 1 {
		http.Error(w, "unknown command", http.StatusBadRequest)
		return
	}

	lines, err := a.sess.SendDollar(req.Context(), grbl.Dollar(name[0]))
	if err != nil {
		code := 500
		if errors.Is(err, grbl.ErrUnknownCommand) {
			code = http.StatusBadRequest
		}
		http.Error(w, err.Error(), code)
		return
	}
	err = json.NewEncoder(w).Encode(lines)
	if err != nil {
		log.Println("ERROR: encode:", err)
	}
}

var realtimeNames = map[string]grbl.Realtime{
	"cycle-start": grbl.CycleStart,
	"feed-hold":   grbl.FeedHold,
	"status":      grbl.StatusQuery,
	"reset":       grbl.SoftReset,
}

func (a *api) realtime(w http.ResponseWriter, req *http.Request) {
	cmd, ok := realtimeNames[mux.Vars(req)["cmd"]]
	if !ok {
		http.Error(w, "unknown realtime command", http.StatusBadRequest)
		return
	}

	line, got, err := a.sess.SendRealtime(req.Context(), cmd)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	err = json.NewEncoder(w).Encode(struct {
		Response string
		Silent   bool
	}{line, !got})
	if err != nil {
		log.Println("ERROR: encode:", err)
	}
}
