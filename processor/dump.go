package processor

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sharat910/pqharvest/events"
)

// Dumper writes the events of the configured topics as JSON lines. The first
// line carries the run id.
type Dumper struct {
	BaseSubscriber
	path   string
	topics []events.Topic
	runID  string

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

type DumpItem struct {
	Timestamp time.Time
	Topic     string
	Event     interface{}
}

func NewDumper(path string, topics []string, runID string) *Dumper {
	return &Dumper{path: path, topics: ToTopics(topics), runID: runID}
}

func (d *Dumper) Name() string {
	return "dump"
}

func (d *Dumper) Subs() []events.Topic {
	return d.topics
}

func (d *Dumper) Init() {
	file, err := openAppend(d.path)
	if err != nil {
		log.Fatal().Err(err).Str("path", d.path).Msg("unable to open dump file")
	}
	d.file = file
	d.writer = bufio.NewWriter(d.file)
	d.write(DumpItem{Timestamp: time.Now(), Topic: "run", Event: map[string]string{"run_id": d.runID}})
	log.Debug().Str("proc", d.Name()).Str("path", d.path).Msg("Init")
}

func (d *Dumper) EventHandler(topic events.Topic, event interface{}) {
	d.write(DumpItem{Timestamp: time.Now(), Topic: string(topic), Event: event})
}

func (d *Dumper) write(item DumpItem) {
	b, err := json.Marshal(item)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to marshal json")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err = d.writer.Write(b)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to write json")
	}

	_, err = d.writer.WriteRune('\n')
	if err != nil {
		log.Fatal().Err(err).Msg("unable to write newline")
	}
}

func (d *Dumper) Teardown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.writer.Flush()
	if err != nil {
		log.Fatal().Err(err).Msg("unable to flush dump file")
	}
	err = d.file.Close()
	if err != nil {
		log.Fatal().Err(err).Msg("unable to close json dump file")
	}
}
