package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/asdetector/detector"
	"github.com/nasa-jpl/asdetector/server"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "asdetector.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(detector.DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func loadcfg() detector.Config {
	cfg := detector.Config{}
	err := k.Unmarshal("", &cfg)
	if err != nil {
		log.Fatal(err)
	}
	return cfg
}

func root() {
	str := `asdetector runs multi-camera up-the-ramp science detector acquisition.
It exposes a framed TCP command protocol for remote control software and
an HTTP endpoint for read-only status polling.

Usage:
	asdetector <command>

Commands:
	server
	send <detector command>
	OPEN | INIT | MODE <name> | START <texp> [tskip] [repeats] | STATUS | CLOSE
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `asdetector is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

When no configuration is provided, the defaults are used, which drive the
software simulator.  The command mkconf generates the configuration file with
the default values; point simulation to false and fill in the controller
section to drive hardware.

Detector commands given directly (OPEN, INIT, START, ...) execute against a
locally opened controller.  The send command forwards them to a running
server instead, streaming the server's log output while a multi-minute
exposure runs.`
	fmt.Println(str)
}

func mkconf() {
	c := loadcfg()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	err := yml.NewEncoder(os.Stdout).Encode(loadcfg())
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("asdetector version %v\n", Version)
}

func newsession() *detector.Session {
	cfg := loadcfg()
	ctrl, err := cfg.NewController()
	if err != nil {
		log.Fatal(err)
	}
	sess, err := detector.NewSession(cfg, ctrl)
	if err != nil {
		log.Fatal(err)
	}
	return sess
}

func runserver() {
	cfg := loadcfg()
	sess := newsession()
	if cfg.HTTPAddr != "" {
		go func() { log.Fatal(server.ListenAndServeHTTP(cfg.HTTPAddr, sess)) }()
	}
	log.Fatal(server.NewTCP(sess).ListenAndServe(cfg.Addr))
}

// local executes one detector command against a locally opened controller.
func local(cmd string) {
	sess := newsession()
	reply, err := sess.Execute(cmd, log.New(os.Stderr, "", log.LstdFlags))
	if err != nil {
		log.Fatal(err)
	}
	if reply != "" {
		fmt.Println(reply)
	}
}

// send forwards one detector command to a running server, spinning while the
// server works and echoing its streamed log output.
func send(cmd string) {
	cfg := loadcfg()
	addr := cfg.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	c, err := server.Dial(addr, 3*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " " + strings.ToUpper(strings.Fields(cmd)[0]),
		StopCharacter:     "✓",
		StopFailCharacter: "✗",
	})
	if err != nil {
		log.Fatal(err)
	}
	spinner.Start()
	var frames []string
	err = c.Do(cmd, func(s string) {
		frames = append(frames, s)
		spinner.Message(strings.TrimSpace(s))
	})
	if err != nil {
		spinner.StopFail()
		fmt.Println(strings.Join(frames, ""))
		log.Fatal(err)
	}
	spinner.Stop()
	fmt.Println(strings.Join(frames, ""))
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd := strings.ToLower(args[1])
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "version":
		pversion()
		return
	case "server", "run":
		runserver()
		return
	case "send":
		if len(args) < 3 {
			log.Fatal("send requires a detector command")
		}
		send(strings.Join(args[2:], " "))
		return
	case "open", "init", "mode", "start", "status", "close":
		local(strings.Join(args[1:], " "))
		return
	default:
		log.Fatal("unknown command")
	}
}
