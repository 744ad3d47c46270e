package pipeline

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// StatsLogger periodically snapshots every element in a graph to a CSV
// file, one row per tick, with a status and a notify-count column per
// element plus one queue-size column per element/input-port pair. path
// is passed through time.Now().Format before each open so callers can
// roll files by minute/hour/day (e.g. "metrics-20060102.csv").
func StatsLogger(en *Engine, graphID int, path string, interval time.Duration) {
	if path == "" || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		g, err := en.graph(graphID)
		if err != nil {
			log.Println(err)
			return
		}
		writeStatsRow(path, snapshotGraph(g))
	}
}

type graphSnapshot struct {
	at       time.Time
	elements []ElementStats
}

func snapshotGraph(g *graph) graphSnapshot {
	snap := graphSnapshot{at: time.Now()}
	for _, id := range g.order {
		snap.elements = append(snap.elements, g.elements[id].Stats())
	}
	return snap
}

func writeStatsRow(path string, snap graphSnapshot) {
	logdir, logfile := filepath.Split(path)
	f, err := os.OpenFile(logdir+snap.at.Format(logfile), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Println(err)
		return
	}
	defer f.Close()

	// sort each element's ports once so the header and every row walk
	// them in the same order; map iteration order is randomized and
	// would otherwise desync the columns from one tick to the next.
	ports := make([][]int, len(snap.elements))
	for i, es := range snap.elements {
		ps := make([]int, 0, len(es.InputPorts))
		for port := range es.InputPorts {
			ps = append(ps, port)
		}
		sort.Ints(ps)
		ports[i] = ps
	}

	w := csv.NewWriter(f)
	if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
		header := []string{"Unix"}
		for i, es := range snap.elements {
			header = append(header, fmt.Sprintf("element%d_status", es.ID), fmt.Sprintf("element%d_notify", es.ID))
			for _, port := range ports[i] {
				header = append(header, fmt.Sprintf("element%d_port%d_size", es.ID, port))
			}
		}
		if err := w.Write(header); err != nil {
			log.Println(err)
		}
	}

	row := []string{fmt.Sprint(snap.at.Unix())}
	for i, es := range snap.elements {
		row = append(row, fmt.Sprint(es.Status), fmt.Sprint(es.NotifyCount))
		for _, port := range ports[i] {
			row = append(row, fmt.Sprint(es.InputPorts[port].Size))
		}
	}
	if err := w.Write(row); err != nil {
		log.Println(err)
	}
	w.Flush()
}
