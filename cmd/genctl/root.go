package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/workspace/genrunner/internal/client"
	"github.com/workspace/genrunner/internal/protocol"
)

const (
	envPrefix     = "GENCTL"
	configDir     = ".config/genctl"
	configName    = "config"
	configType    = "toml"
	defaultServer = "http://localhost:8080"
)

// app carries resolved settings and terminal I/O for every subcommand.
type app struct {
	v *viper.Viper

	in  *bufio.Reader
	out io.Writer
	// readSecret reads a line without echo when stdin is a terminal.
	readSecret func() (string, error)
	isTTY      bool
}

func newApp(in io.Reader, out io.Writer) *app {
	a := &app{
		v:   viper.New(),
		in:  bufio.NewReader(in),
		out: out,
	}
	a.readSecret = a.readLine
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		a.isTTY = true
		fd := int(f.Fd())
		a.readSecret = func() (string, error) {
			b, err := term.ReadPassword(fd)
			fmt.Fprintln(a.out)
			return string(b), err
		}
	}
	return a
}

func newRootCmd() *cobra.Command {
	return newRootCmdWithIO(os.Stdin, os.Stdout)
}

func newRootCmdWithIO(in io.Reader, out io.Writer) *cobra.Command {
	a := newApp(in, out)

	rootCmd := &cobra.Command{
		Use:          "genctl",
		Short:        "Start and observe app generations",
		Long:         "genctl submits generation requests to the orchestrator and follows their progress over the shared observer socket, answering decision prompts and credential requests from the terminal.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.loadConfig()
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetIn(in)

	rootCmd.PersistentFlags().String("server", defaultServer, "Orchestrator base URL")
	rootCmd.PersistentFlags().String("token", "", "Bearer token for the orchestrator")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/genctl/config.toml)")
	_ = a.v.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = a.v.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	_ = a.v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.AddCommand(
		newStartCmd(a),
		newStatusCmd(a),
		newCancelCmd(a),
		newWatchCmd(a),
		newConfigCmd(a),
	)
	return rootCmd
}

// loadConfig layers flags over GENCTL_* variables over the config file.
func (a *app) loadConfig() error {
	a.v.SetEnvPrefix(envPrefix)
	a.v.AutomaticEnv()

	if path := a.v.GetString("config"); path != "" {
		a.v.SetConfigFile(path)
	} else {
		a.v.SetConfigName(configName)
		a.v.SetConfigType(configType)
		if home, err := os.UserHomeDir(); err == nil {
			a.v.AddConfigPath(filepath.Join(home, configDir))
		}
	}

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read config file: %w", err)
		}
	}
	return nil
}

func (a *app) server() string {
	return a.v.GetString("server")
}

func (a *app) token() (string, error) {
	t := a.v.GetString("token")
	if t == "" {
		return "", errors.New("no token: pass --token, set GENCTL_TOKEN or add token to the config file")
	}
	return t, nil
}

func (a *app) api() (*client.API, error) {
	t, err := a.token()
	if err != nil {
		return nil, err
	}
	return client.NewAPI(a.server(), t), nil
}

func (a *app) readLine() (string, error) {
	line, err := a.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// parseGenerationArg accepts a numeric id or a job id such as gen-12.
func parseGenerationArg(s string) (int64, error) {
	if strings.HasPrefix(s, "gen-") {
		return protocol.GenerationID(s)
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid generation id %q", s)
	}
	return id, nil
}
