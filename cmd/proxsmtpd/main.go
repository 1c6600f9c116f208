package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/memberwebs/proxsmtpd"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
	builtBy = ""
)

func main() {
	debugLevel := flag.Int("d", 1, "debug level (0=debug, 1=info, 2=warning, 3=error)")
	configPath := flag.String("f", "", "config file path")
	pidPath := flag.String("p", "", "pidfile path")
	verFlag := flag.Bool("v", false, "show build version")
	flag.Parse()

	if *verFlag {
		fmt.Fprintln(os.Stderr, buildVersion(version, commit, date, builtBy))
		return
	}

	if flag.NArg() > 0 {
		flag.Usage()
		os.Exit(2)
	}

	proxsmtp.SetMinLogLevel(proxsmtp.LogLevel(*debugLevel))

	cfg := proxsmtp.DefaultConfig()
	if *configPath != "" {
		loaded, err := proxsmtp.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("proxsmtpd: %v", err)
		}
		cfg = loaded
	}

	if *pidPath != "" {
		if err := writePidfile(*pidPath); err != nil {
			log.Fatalf("proxsmtpd: writing pidfile: %v", err)
		}
		defer os.Remove(*pidPath)
	}

	hooks := proxsmtp.NewHookSet(loadHooks()...)
	disp := proxsmtp.NewDispatcher(cfg)
	srv := proxsmtp.NewServer(cfg, disp, hooks)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sig
		log.Printf("proxsmtpd: shutting down")
		srv.Shutdown()
	}()

	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("proxsmtpd: %v", err)
	}
}

// loadHooks wires every audit sink this daemon ships in, relying on
// HookSet's own AfterInit-and-drop behavior to silently skip any that
// aren't configured (e.g. no DSN/FILE_PATH/webhook set in the environment).
func loadHooks() []proxsmtp.Hook {
	hooks := []proxsmtp.Hook{
		&proxsmtp.FileHook{},
		&proxsmtp.MySQLHook{},
		&proxsmtp.SQLiteHook{},
		&proxsmtp.SlackHook{},
	}
	hooks = append(hooks, proxsmtp.LoadPluginHooks()...)
	return hooks
}

func writePidfile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func buildVersion(version, commit, date, builtBy string) string {
	result := version
	if commit != "" {
		result = fmt.Sprintf("%s\ncommit: %s", result, commit)
	}
	if date != "" {
		result = fmt.Sprintf("%s\nbuilt at: %s", result, date)
	}
	if builtBy != "" {
		result = fmt.Sprintf("%s\nbuilt by: %s", result, builtBy)
	}
	return result
}
