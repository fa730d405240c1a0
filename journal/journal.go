// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
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

package journal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/frictionlessdata/datapackage-go/datapackage"
	"github.com/frictionlessdata/datapackage-go/validator"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/kbase/transferbox/config"
	"github.com/kbase/transferbox/frictionless"
)

// This is the TransferBox session journal, which logs every finished transfer
// session. The journal is a table of session records (one per session).

// statuses of recorded sessions
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

// name of the journal's database file within the data directory
const Filename = "transfer_journal.db"

// a record storing all information relevant to a transfer session
type Record struct {
	// UUID associated with the session
	Id uuid.UUID `json:"id"`
	// the name and mount path of the source device
	SourceName string `json:"source_name"`
	SourcePath string `json:"source_path"`
	// the destination root and the session directory created within it
	Destination      string `json:"destination"`
	SessionDirectory string `json:"session_directory,omitempty"`
	// times at which the session started and finished
	StartTime time.Time `json:"start_time"`
	StopTime  time.Time `json:"stop_time"`
	// status of the session ("succeeded", "failed", or "stopped")
	Status string `json:"status"`
	// size of the session's payload in bytes
	PayloadSize int64 `json:"payload_size"`
	// number of files in the session's payload, and the number that were
	// transferred and verified
	NumFiles       int `json:"num_files"`
	NumTransferred int `json:"num_transferred"`
	// messages describing any errors
	Errors []string `json:"errors,omitempty"`
	// path of the session's hash list (if one was written)
	HashListPath string `json:"hash_list_path,omitempty"`
	// manifest describing the verified files (stored separate from record)
	Manifest *datapackage.Package `json:"-"`
}

// creates a validated manifest from the given data package
func NewManifest(dataPackage frictionless.DataPackage) (*datapackage.Package, error) {
	if dataPackage.Profile == "" {
		dataPackage.Profile = "data-package"
	}
	descriptor, err := json.Marshal(dataPackage)
	if err != nil {
		return nil, err
	}
	return datapackage.FromString(string(descriptor), "manifest.json", validator.InMemoryLoader())
}

// initialize the session journal, creating its database within the
// configured data directory if needed
func Init() error {
	mu.Lock()
	defer mu.Unlock()
	if channels_.Open {
		return nil
	}
	dataDir := config.Service.DataDirectory
	if dataDir == "" {
		return &CantOpenError{Message: "no data directory (data_dir) was configured"}
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return &CantOpenError{Message: err.Error()}
	}
	dbPath := filepath.Join(dataDir, Filename)
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return &CantOpenError{Message: err.Error()}
	}

	// set up buckets for session records, their ID index, and manifests
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucketName := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucketName)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return &CantOpenError{Message: err.Error()}
	}

	openChannels()
	go sessionJournalProcess(db)
	slog.Info(fmt.Sprintf("Opened session journal at %s", dbPath))
	return nil
}

// saves and closes the session journal (if it's been opened)
func Finalize() error {
	mu.Lock()
	defer mu.Unlock()
	if !channels_.Open {
		return nil
	}
	channels_.Input.Shutdown <- struct{}{}
	err := <-channels_.Output.Error
	channels_.Open = false
	return err
}

// returns true if the journal is open for writing, false if not
func IsOpen() bool {
	mu.Lock()
	defer mu.Unlock()
	return isOpen()
}

// records a finished session
// record: the record containing all session information
func RecordTransfer(record Record) error {
	switch record.Status {
	case StatusSucceeded, StatusFailed, StatusStopped:
		// pass-through (see below)
	default:
		return &NewRecordError{
			Id:      record.Id,
			Message: fmt.Sprintf("Invalid status: %s", record.Status),
		}
	}
	if record.Id == uuid.Nil {
		return &NewRecordError{
			Id:      record.Id,
			Message: "Record has no ID",
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if !isOpen() {
		return &NotOpenError{}
	}
	channels_.Input.CreateRecord <- record
	return <-channels_.Output.Error
}

// retrieves the record for the session with the given ID
func TransferRecord(id uuid.UUID) (Record, error) {
	mu.Lock()
	defer mu.Unlock()
	if !isOpen() {
		return Record{}, &NotOpenError{}
	}
	channels_.Input.FetchRecord <- id
	select {
	case records := <-channels_.Output.Records:
		return records[0], nil
	case err := <-channels_.Output.Error:
		return Record{}, err
	}
}

// retrieves records for sessions that started within the time range with the
// given (inclusive) bounds, in order of their start times
// start: the beginning of the time period of interest
// stop: the end of the time period of interest
func Records(start, stop time.Time) ([]Record, error) {
	mu.Lock()
	defer mu.Unlock()
	if !isOpen() {
		return nil, &NotOpenError{}
	}
	channels_.Input.FetchRecords <- TimeRange{Start: start, Stop: stop}
	select {
	case records := <-channels_.Output.Records:
		return records, nil
	case err := <-channels_.Output.Error:
		return nil, err
	}
}

//-----------
// Internals
//-----------

// The journal gets its own goroutine that owns the database. Here we define
// "input" channels (main process -> goroutine) and "output" channels
// (goroutine -> main process) for passing data back and forth. Requests are
// serialized by mu, so each response belongs to the request just sent.

type TimeRange struct {
	Start, Stop time.Time
}

var buckets = []string{"transfers", "ids", "manifests"}

var mu sync.Mutex

var channels_ struct {
	Open  bool // true if channels are open, false if not
	Input struct {
		CreateRecord chan Record    // for creating new records
		FetchRecord  chan uuid.UUID // for fetching a record by ID
		FetchRecords chan TimeRange // for fetching records within a time range
		Shutdown     chan struct{}  // for shutting down the database
	}

	Output struct {
		Records chan []Record // for returning records
		Error   chan error    // for returning errors
	}
}

func isOpen() bool {
	return channels_.Open
}

func sessionJournalProcess(db *bolt.DB) {
	input, output := channels_.Input, channels_.Output
	for {
		select {

		case record := <-input.CreateRecord:
			output.Error <- createRecord(db, record)

		case id := <-input.FetchRecord:
			record, err := fetchRecord(db, id)
			if err != nil {
				output.Error <- err
			} else {
				output.Records <- []Record{record}
			}

		case timeRange := <-input.FetchRecords:
			records, err := fetchRecords(db, timeRange.Start, timeRange.Stop)
			if err != nil {
				output.Error <- err
			} else {
				output.Records <- records
			}

		case <-input.Shutdown:
			var err error
			if closeErr := db.Close(); closeErr != nil {
				err = &CantCloseError{Message: closeErr.Error()}
			}
			output.Error <- err
			return
		}
	}
}

func openChannels() {
	channels_.Open = true
	channels_.Input.CreateRecord = make(chan Record)
	channels_.Input.FetchRecord = make(chan uuid.UUID)
	channels_.Input.FetchRecords = make(chan TimeRange)
	channels_.Input.Shutdown = make(chan struct{})
	channels_.Output.Records = make(chan []Record)
	channels_.Output.Error = make(chan error)
}

// records are keyed by their start times in a fixed-width UTC layout, so
// that keys sort chronologically, followed by their IDs
const keyTimeLayout = "2006-01-02T15:04:05.000000000Z"

func timeKey(t time.Time) []byte {
	return []byte(t.UTC().Format(keyTimeLayout))
}

func recordKey(record Record) []byte {
	return append(append(timeKey(record.StartTime), '/'), []byte(record.Id.String())...)
}

func createRecord(db *bolt.DB, record Record) error {
	jsonRecord, err := json.Marshal(&record)
	if err != nil {
		return &NewRecordError{Id: record.Id, Message: err.Error()}
	}
	var jsonManifest []byte
	if record.Manifest != nil {
		jsonManifest, err = json.Marshal(record.Manifest.Descriptor())
		if err != nil {
			return &NewRecordError{Id: record.Id, Message: err.Error()}
		}
	}

	err = db.Update(func(tx *bolt.Tx) error {
		id := []byte(record.Id.String())
		if tx.Bucket([]byte("ids")).Get(id) != nil {
			return &NewRecordError{Id: record.Id, Message: "A record with this ID already exists"}
		}

		// store the session record, indexing it by its start time
		key := recordKey(record)
		if err := tx.Bucket([]byte("transfers")).Put(key, jsonRecord); err != nil {
			return err
		}
		if err := tx.Bucket([]byte("ids")).Put(id, key); err != nil {
			return err
		}

		// store the manifest, if any (indexed by UUID)
		if jsonManifest != nil {
			return tx.Bucket([]byte("manifests")).Put(id, jsonManifest)
		}
		return nil
	})
	if err != nil {
		if _, ok := err.(*NewRecordError); ok {
			return err
		}
		return &NewRecordError{Id: record.Id, Message: err.Error()}
	}
	return nil
}

// fills in a record's manifest from the manifests bucket, if it has one
func loadManifest(tx *bolt.Tx, record *Record) error {
	m := tx.Bucket([]byte("manifests")).Get([]byte(record.Id.String()))
	if m == nil {
		return nil
	}
	manifest, err := datapackage.FromString(string(m), "manifest.json", validator.InMemoryLoader())
	if err != nil {
		return &InvalidRecordError{
			Id:      record.Id,
			Message: fmt.Sprintf("unable to retrieve manifest: %s", err),
		}
	}
	record.Manifest = manifest
	return nil
}

func fetchRecord(db *bolt.DB, id uuid.UUID) (Record, error) {
	var record Record
	err := db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket([]byte("ids")).Get([]byte(id.String()))
		if key == nil {
			return &RecordNotFoundError{Id: id}
		}
		v := tx.Bucket([]byte("transfers")).Get(key)
		if v == nil {
			return &RecordNotFoundError{Id: id}
		}
		if err := json.Unmarshal(v, &record); err != nil {
			return &InvalidRecordError{Id: id, Message: err.Error()}
		}
		return loadManifest(tx, &record)
	})
	return record, err
}

func fetchRecords(db *bolt.DB, start, stop time.Time) ([]Record, error) {
	records := make([]Record, 0)
	err := db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte("transfers")).Cursor()

		startKey := timeKey(start)
		// "0" sorts after "/", so every key for the stop time is included
		stopKey := append(timeKey(stop), '0')

		for k, v := c.Seek(startKey); k != nil && bytes.Compare(k, stopKey) < 0; k, v = c.Next() {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, record)
		}

		// get manifests for each recorded session (this can be slow)
		for i := range records {
			if err := loadManifest(tx, &records[i]); err != nil {
				return err
			}
		}
		return nil
	})
	return records, err
}
