package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"printd/finger"
	"printd/hardware"
)

const (
	// DefaultPath is the system print store.
	DefaultPath = "/var/lib/printd"

	dirPerms  = 0700
	filePerms = 0600

	dateLayout = "2006-01-02"
)

// printFile is the serialized form of a stored print.
type printFile struct {
	Driver     string `json:"driver"`
	DeviceID   string `json:"device_id"`
	Username   string `json:"username"`
	Finger     int    `json:"finger"`
	EnrollDate string `json:"enroll_date"`
	Data       []byte `json:"data"`
}

// FileStore keeps one file per print under a base directory.
type FileStore struct {
	base string
	log  *log.Entry
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store rooted at base. An empty base falls
// back to $STATE_DIRECTORY (set by systemd for the daemon's state
// directory) and then to DefaultPath.
func NewFileStore(base string) *FileStore {
	if base == "" {
		base = os.Getenv("STATE_DIRECTORY")
	}
	if base == "" {
		base = DefaultPath
	}
	return &FileStore{
		base: base,
		log:  log.WithField("store", base),
	}
}

func (s *FileStore) storeDir(driver, deviceID, username string) string {
	return filepath.Join(s.base, username, driver, deviceID)
}

func (s *FileStore) printPath(driver, deviceID, username string, f finger.Finger) string {
	return filepath.Join(s.storeDir(driver, deviceID, username), f.Hex())
}

func (s *FileStore) SavePrint(print *hardware.Print) error {
	if !print.Finger.Valid() {
		return fmt.Errorf("cannot save print for finger %q", print.Finger)
	}

	buf, err := json.Marshal(printFile{
		Driver:     print.Driver,
		DeviceID:   print.DeviceID,
		Username:   print.Username,
		Finger:     int(print.Finger),
		EnrollDate: print.EnrollDate.Format(dateLayout),
		Data:       print.Data,
	})
	if err != nil {
		return fmt.Errorf("serializing print: %w", err)
	}

	path := s.printPath(print.Driver, print.DeviceID, print.Username, print.Finger)
	if err := os.MkdirAll(filepath.Dir(path), dirPerms); err != nil {
		return fmt.Errorf("creating print directory: %w", err)
	}
	if err := os.WriteFile(path, buf, filePerms); err != nil {
		return fmt.Errorf("writing print: %w", err)
	}

	s.log.WithFields(log.Fields{"user": print.Username, "finger": print.Finger}).
		Debug("saved print")
	return nil
}

func (s *FileStore) LoadPrint(dev hardware.Device, f finger.Finger, username string) (*hardware.Print, error) {
	path := s.printPath(dev.Driver(), dev.DeviceID(), username, f)
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading print: %w", err)
	}

	var pf printFile
	if err := json.Unmarshal(buf, &pf); err != nil {
		return nil, fmt.Errorf("deserializing print %s: %w", path, err)
	}

	date, err := time.Parse(dateLayout, pf.EnrollDate)
	if err != nil {
		return nil, fmt.Errorf("deserializing print %s: %w", path, err)
	}

	print := &hardware.Print{
		Driver:     pf.Driver,
		DeviceID:   pf.DeviceID,
		Username:   pf.Username,
		Finger:     finger.Finger(pf.Finger),
		EnrollDate: date,
		Data:       pf.Data,
	}
	if !print.Compatible(dev) {
		return nil, fmt.Errorf("print %s is not compatible with device %s/%s",
			path, dev.Driver(), dev.DeviceID())
	}
	return print, nil
}

func (s *FileStore) DeletePrint(dev hardware.Device, f finger.Finger, username string) error {
	path := s.printPath(dev.Driver(), dev.DeviceID(), username, f)
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("deleting print: %w", err)
	}
	s.log.WithFields(log.Fields{"user": username, "finger": f}).Debug("deleted print")
	return nil
}

func (s *FileStore) DiscoverPrints(dev hardware.Device, username string) ([]finger.Finger, error) {
	dir := s.storeDir(dev.Driver(), dev.DeviceID(), username)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning print directory: %w", err)
	}

	var fingers []finger.Finger
	for _, entry := range entries {
		f, ok := finger.FromHex(entry.Name())
		if !ok {
			s.log.WithField("file", entry.Name()).Debug("skipping print file")
			continue
		}
		fingers = append(fingers, f)
	}
	sort.Slice(fingers, func(i, j int) bool { return fingers[i] < fingers[j] })
	return fingers, nil
}

func (s *FileStore) DiscoverUsers() ([]string, error) {
	entries, err := os.ReadDir(s.base)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning store: %w", err)
	}

	var users []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		users = append(users, entry.Name())
	}
	return users, nil
}
