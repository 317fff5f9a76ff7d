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
	"context"
	"log"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/euske/fastdet-go/control"
	"github.com/euske/fastdet-go/detect"
	"github.com/euske/fastdet-go/dispatch"
	"github.com/euske/fastdet-go/reactor"
	"github.com/euske/fastdet-go/session"
	"github.com/euske/fastdet-go/stats"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		// Enable timestamps + file:line to simplify debugging self-built binaries.
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "fastdet"
	myApp.Usage = "detection server (control channel + UDP session transport + YOLO post-processing)"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "port",
			Value: 10000,
			Usage: "TCP control channel listen port",
		},
		cli.StringFlag{
			Name:  "mode",
			Value: "cpu",
			Usage: "inference backend label: cpu, cuda, tensorrt",
		},
		cli.StringFlag{
			Name:  "model",
			Value: "",
			Usage: "path to a model file; when absent the dummy detector is used",
		},
		cli.Float64Flag{
			Name:  "tick",
			Value: 0.1,
			Usage: "reactor readiness-wait interval, in seconds",
		},
		cli.StringFlag{
			Name:  "debug-out",
			Value: "",
			Usage: "path to dump the most recently received JPEG, for debugging",
		},
		cli.BoolFlag{
			Name:  "verbose",
			Usage: "enable verbose logging",
		},
		cli.IntFlag{
			Name:  "timeout",
			Value: int(session.DefaultTimeout / time.Second),
			Usage: "session liveness timeout, in seconds",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.StringFlag{
			Name:  "snmplog",
			Value: "",
			Usage: "collect server stats to a CSV file, aware of timeformat in golang, like: ./stats-20060102.log",
		},
		cli.IntFlag{
			Name:  "snmpperiod",
			Value: 60,
			Usage: "stats collection period, in seconds",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "", // when set, the JSON file must exist on disk
			Usage: "config from json file, which will override the command from shell",
		},
	}
	myApp.Action = func(c *cli.Context) error {
		config := Config{}
		config.Port = c.Int("port")
		config.Mode = c.String("mode")
		config.Model = c.String("model")
		config.Tick = c.Float64("tick")
		config.DebugOut = c.String("debug-out")
		config.Verbose = c.Bool("verbose")
		config.Timeout = c.Int("timeout")
		config.Log = c.String("log")
		config.SnmpLog = c.String("snmplog")
		config.SnmpPeriod = c.Int("snmpperiod")

		if c.String("c") != "" {
			// Only JSON configuration files are supported at the moment.
			err := parseJSONConfig(&config, c.String("c"))
			checkError(err)
		}

		// Redirect logs when the user supplied a dedicated log file.
		if config.Log != "" {
			f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
			checkError(err)
			defer f.Close()
			log.SetOutput(f)
		}

		log.Println("version:", VERSION)
		log.Println("port:", config.Port)
		log.Println("mode:", config.Mode)
		log.Println("model:", config.Model)
		log.Println("tick:", config.Tick)
		log.Println("debug-out:", config.DebugOut)
		log.Println("verbose:", config.Verbose)
		log.Println("timeout:", config.Timeout)
		log.Println("snmplog:", config.SnmpLog)
		log.Println("snmpperiod:", config.SnmpPeriod)

		detector := buildDetector(&config)

		reg := stats.New()
		go stats.CSVLogger(reg, config.SnmpLog, time.Duration(config.SnmpPeriod)*time.Second)
		startSignalHandler(reg)

		logger := log.Default()
		react, err := reactor.New(logger)
		checkError(err)

		disp := dispatch.New(detector, reg, logger)
		disp.DebugOut = config.DebugOut
		disp.Verbose = config.Verbose

		timeout := time.Duration(config.Timeout) * time.Second
		newSession := func(remoteHost string, remotePort int) (*session.Session, error) {
			id, err := control.NewSessionID()
			if err != nil {
				return nil, err
			}
			reg.SessionsCreated.Inc(1)
			return session.New(remoteHost, remotePort, id, timeout, disp.OnMessage, logger, reg)
		}
		registerChannel := func(ch reactor.Channel) error {
			return react.Register(ch)
		}

		listener, err := control.NewListener(config.Port, newSession, registerChannel, logger)
		checkError(err)
		checkError(react.Register(listener))

		log.Printf("listening on: %d/tcp", listener.Port())
		tick := time.Duration(config.Tick * float64(time.Second))
		return react.Run(context.Background(), tick)
	}
	if err := myApp.Run(os.Args); err != nil {
		checkError(err)
	}
}

// buildDetector selects the Dummy detector when no model path is
// configured, and otherwise wires the real post-processing pipeline
// behind a NullBackend: no ONNX Runtime binding exists to ground a real
// inference implementation against (DESIGN.md), so any --model value
// gets a clear "backend not compiled in" error at request time rather
// than a fabricated stub library.
func buildDetector(config *Config) detect.Detector {
	if config.Model == "" {
		return detect.Dummy{}
	}
	color.Red("mode=%s model=%s requested but no inference backend is compiled in; falling back to a detector that errors per-request", config.Mode, config.Model)
	return detect.NewYOLO(detect.StdlibJPEGDecoder{}, detect.NullBackend{})
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(100)
	}
}
