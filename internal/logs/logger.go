package logs

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger - глобальный логгер. До Init пишет в stderr на уровне info,
// поэтому пакеты работают в тестах без инициализации.
var Logger = logrus.New()

type Options struct {
	Level      string // trace|debug|info|warning|error|fatal
	Format     string // text|json
	File       string // лог-файл с ротацией; пусто - только Writer
	MaxSizeMB  int
	MaxBackups int

	// Writer - консольный вывод, по умолчанию stdout. CLI rules
	// передаёт stderr: в stdout у него идёт скрипт.
	Writer io.Writer
}

// Init пересобирает глобальный логгер. Неизвестный уровень даёт info
// и предупреждение в уже настроенный логгер.
func Init(opts Options) {
	l := logrus.New()

	lvl, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if opts.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	out := opts.Writer
	if out == nil {
		out = os.Stdout
	}
	if opts.File != "" {
		if opts.MaxSizeMB <= 0 {
			opts.MaxSizeMB = 10
		}
		out = io.MultiWriter(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     30, // дней
			Compress:   true,
		}, out)
	}
	l.SetOutput(out)

	Logger = l
	if err != nil && opts.Level != "" {
		l.Warnf("unknown log level %q, using info", opts.Level)
	}
}

// Component - логгер с полем component.
func Component(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}
