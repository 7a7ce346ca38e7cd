package logging

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Component: имя подсистемы, у каждой свой логгер и свой файл.
type Component string

const (
	ComponentCompositor Component = "compositor"
	ComponentDocument   Component = "document"
	ComponentStorage    Component = "storage"
	ComponentAPI        Component = "api"
)

// Registry раздаёт логгеры подсистем. Порог консоли можно переопределить
// для отдельной подсистемы (logging.levels в конфигурации); переопределение
// действует и на уже выданные логгеры.
type Registry struct {
	mu      sync.Mutex
	loggers map[Component]*Logger
	levels  map[Component]LogLevel
}

// NewRegistry создаёт пустой реестр
func NewRegistry() *Registry {
	return &Registry{
		loggers: make(map[Component]*Logger),
		levels:  make(map[Component]LogLevel),
	}
}

var (
	registry     *Registry
	registryOnce sync.Once
)

// Components возвращает реестр процесса
func Components() *Registry {
	registryOnce.Do(func() { registry = NewRegistry() })
	return registry
}

// For возвращает логгер подсистемы. Если файл лога не открылся, подсистема
// пишет только в консоль.
func (r *Registry) For(c Component) *Logger {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.loggers[c]; ok {
		return l
	}
	l, err := NewLogger(string(c))
	if err != nil {
		l = newConsoleLogger(string(c), INFO)
		l.Warn("Файл лога недоступен, только консоль: %v", err)
	}
	if level, ok := r.levels[c]; ok {
		l.setConsoleLevel(level)
	}
	r.loggers[c] = l
	return l
}

// SetLevel задаёт порог консоли подсистемы
func (r *Registry) SetLevel(c Component, level LogLevel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.levels[c] = level
	if l, ok := r.loggers[c]; ok {
		l.setConsoleLevel(level)
	}
}

// Names возвращает подсистемы, уже получившие логгер
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.loggers))
	for c := range r.loggers {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}

// Close закрывает файлы всех логгеров. Следующий For создаст логгер заново.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for c, l := range r.loggers {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("лог %s: %w", c, err))
		}
	}
	r.loggers = make(map[Component]*Logger)
	return errors.Join(errs...)
}

func (l *Logger) setConsoleLevel(level LogLevel) {
	l.mu.Lock()
	l.minConsoleLevel = level
	l.mu.Unlock()
}

func GetCompositorLogger() *Logger { return Components().For(ComponentCompositor) }

func GetDocumentLogger() *Logger { return Components().For(ComponentDocument) }

func GetStorageLogger() *Logger { return Components().For(ComponentStorage) }

func GetAPILogger() *Logger { return Components().For(ComponentAPI) }
