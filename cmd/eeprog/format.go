package main

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	eeprom "github.com/dc138/eeprom-uploader"
	log "github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// consoleFormatter prints one tagged line per entry. Link traces already
// carry their direction tag.
type consoleFormatter struct {
	color bool
	r     *lipgloss.Renderer
}

func newConsoleFormatter() *consoleFormatter {
	return &consoleFormatter{
		color: term.IsTerminal(int(os.Stderr.Fd())),
		r:     lipgloss.NewRenderer(os.Stderr),
	}
}

func (f *consoleFormatter) style(e *log.Entry) (string, lipgloss.Style) {
	s := f.r.NewStyle()
	switch {
	case strings.HasPrefix(e.Message, "[OUT]"):
		return "", s.Foreground(lipgloss.Color("4"))
	case strings.HasPrefix(e.Message, "[REC]"):
		return "", s.Foreground(lipgloss.Color("10"))
	}
	switch e.Level {
	case log.DebugLevel, log.TraceLevel:
		return "[DBG] ", s.Foreground(lipgloss.Color("8"))
	case log.InfoLevel:
		return "[INF] ", s
	case log.WarnLevel:
		return "[WRN] ", s.Foreground(lipgloss.Color("3"))
	default:
		return "[ERR] ", s.Foreground(lipgloss.Color("1"))
	}
}

func (f *consoleFormatter) Format(e *log.Entry) ([]byte, error) {
	tag, s := f.style(e)
	line := tag + e.Message
	if f.color {
		line = s.Render(line)
	}
	return []byte(line + "\n"), nil
}

func setupLogging(verbose bool) {
	log.SetOutput(os.Stderr)
	log.SetFormatter(newConsoleFormatter())
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
	eeprom.SetLogger(log.StandardLogger())
}
