// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/xtaci/streamgraph/elements/decode"
	"github.com/xtaci/streamgraph/elements/encode"
	"github.com/xtaci/streamgraph/elements/infer"
	"github.com/xtaci/streamgraph/elements/postprocess"
	"github.com/xtaci/streamgraph/elements/preprocess"
	"github.com/xtaci/streamgraph/elements/report"
	"github.com/xtaci/streamgraph/pipeline"
)

// VERSION is injected by buildflags
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "streamgraph"
	myApp.Usage = "configurable dataflow runtime for video/image analytics pipelines"
	myApp.Version = VERSION
	myApp.Commands = []cli.Command{
		{
			Name:      "run",
			Usage:     "load a graph document and run it until interrupted",
			ArgsUsage: "<graph.json>",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "metrics",
					Value: "",
					Usage: "collect per-element stats to file, aware of timeformat in golang, like: ./stats-20060102.csv",
				},
				cli.IntFlag{
					Name:  "metricsperiod",
					Value: 10,
					Usage: "metrics collection period, in seconds",
				},
				cli.StringFlag{
					Name:  "log",
					Value: "",
					Usage: "specify a log file to output, default goes to stderr",
				},
			},
			Action: runGraph,
		},
	}
	if err := myApp.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

func runGraph(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("run requires exactly one argument: the graph document path")
	}
	docPath := c.Args().Get(0)

	if logPath := c.String("log"); logPath != "" {
		f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		defer f.Close()
		log.SetOutput(f)
	}

	doc, err := os.ReadFile(docPath)
	if err != nil {
		return errors.Wrap(err, "read graph document")
	}

	var cfg pipeline.GraphConfig
	if err := json.Unmarshal(doc, &cfg); err != nil {
		return errors.Wrap(err, "parse graph document")
	}

	registry := pipeline.NewRegistry()
	registry.Register("decode", decode.New)
	registry.Register("preprocess", preprocess.New)
	registry.Register("infer", infer.New)
	registry.Register("postprocess", postprocess.New)
	registry.Register("encode", encode.New)
	registry.Register("report", report.New)

	en := pipeline.NewEngine(registry)
	if err := en.AddGraph(doc); err != nil {
		return errors.Wrap(err, "add graph")
	}

	for _, port := range danglingOutputPorts(cfg) {
		if err := en.SetDataHandler(cfg.GraphID, port.elementID, port.outputPort, logSink(port.elementID, port.outputPort)); err != nil {
			return errors.Wrapf(err, "attach log sink to element %d port %d", port.elementID, port.outputPort)
		}
	}

	if metricsPath := c.String("metrics"); metricsPath != "" {
		period := time.Duration(c.Int("metricsperiod")) * time.Second
		go pipeline.StatsLogger(en, cfg.GraphID, metricsPath, period)
	}

	log.Println("graph:", cfg.GraphID, "workers:", len(cfg.Workers), "connections:", len(cfg.Connections))
	if err := en.Start(cfg.GraphID); err != nil {
		return errors.Wrap(err, "start graph")
	}
	log.Println("graph", cfg.GraphID, "running, ctrl-c to stop")

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	signal.Ignore(syscall.SIGPIPE)
	<-ch

	log.Println("shutting down graph", cfg.GraphID)
	if err := en.Stop(cfg.GraphID); err != nil {
		return errors.Wrap(err, "stop graph")
	}
	return nil
}

type danglingPort struct {
	elementID  int
	outputPort int
}

// danglingOutputPorts finds every (element, output port 0) pair that no
// connection in the document feeds downstream, so run can attach a
// default logging sink there instead of leaving the element to block
// indefinitely on a push nobody will ever drain.
func danglingOutputPorts(cfg pipeline.GraphConfig) []danglingPort {
	wired := make(map[danglingPort]bool, len(cfg.Connections))
	for _, c := range cfg.Connections {
		wired[danglingPort{elementID: c.SrcID, outputPort: c.SrcPort}] = true
	}

	var dangling []danglingPort
	for _, w := range cfg.Workers {
		if w.IsSink {
			continue
		}
		p := danglingPort{elementID: w.ID, outputPort: 0}
		if !wired[p] {
			dangling = append(dangling, p)
		}
	}
	return dangling
}

func logSink(elementID, outputPort int) pipeline.DataHandler {
	return func(item *pipeline.ObjectMetadata) {
		if item.EndOfStream() {
			log.Printf("element %d port %d: end of stream, channel %d", elementID, outputPort, item.ChannelID)
			return
		}
		var frameID int64
		if item.Frame != nil {
			frameID = item.Frame.FrameID
		}
		log.Printf("element %d port %d: frame %d, channel %d", elementID, outputPort, frameID, item.ChannelID)
	}
}
