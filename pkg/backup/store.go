// Package backup persists the agent's pending CWMP state as a small XML
// document: the current ACS URL, the last observed software version, queued
// events, unacknowledged transfer-complete results, and scheduled downloads
// and uploads. Every mutation rewrites the whole document through the
// configured Sink before returning, so any state that was acknowledged to a
// caller survives a crash or power cut.
//
// Records are addressed by opaque int64 ids assigned when a record is
// inserted or loaded. Ids are not persisted; a restart assigns fresh ones
// while reloading.
package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/beevik/etree"

	"github.com/cpeworks/cwmpd/internal/logger"
	"github.com/cpeworks/cwmpd/pkg/cwmp"
)

const (
	rootTag            = "backup_file"
	acsURLTag          = "acs_url"
	cwmpTag            = "cwmp"
	softwareVersionTag = "software_version"

	eventTag         = "event"
	eventNumberTag   = "event_number"
	eventKeyTag      = "event_key"
	eventMethodIDTag = "event_method_id"

	transferCompleteTag = "transfer_complete"
	commandKeyTag       = "command_key"
	faultCodeTag        = "fault_code"
	faultStringTag      = "fault_string"
	startTimeTag        = "start_time"
	completeTimeTag     = "complete_time"
	methodIDTag         = "method_id"

	downloadTag    = "download"
	uploadTag      = "upload"
	fileTypeTag    = "file_type"
	urlTag         = "url"
	usernameTag    = "username"
	passwordTag    = "password"
	fileSizeTag    = "file_size"
	timeExecuteTag = "time_execute"
)

// Store is the durable backup document. All methods are safe for concurrent
// use; mutations are serialized to the sink before they return.
type Store struct {
	mu     sync.Mutex
	sink   Sink
	doc    *etree.Document
	nextID int64
	nodes  map[int64]*etree.Element
	ids    map[*etree.Element]int64
}

// Load opens the document stored in sink. A sink with no document yields an
// empty store. An unparseable document is left untouched on the sink and
// the store starts empty; the broken payload is only replaced once the
// first mutation rewrites it.
func Load(sink Sink) *Store {
	s := &Store{
		sink:   sink,
		doc:    etree.NewDocument(),
		nextID: 1,
		nodes:  make(map[int64]*etree.Element),
		ids:    make(map[*etree.Element]int64),
	}

	data, err := sink.Load()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Error("Cannot read backup document, starting empty", logger.KeyError, err)
		}
		return s
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		logger.Error("Backup document is unparseable, keeping it and starting empty", logger.KeyError, err)
		return s
	}
	root := doc.Root()
	if root == nil || root.Tag != rootTag {
		logger.Error("Backup document has no valid root, keeping it and starting empty")
		return s
	}

	s.doc = doc
	s.indexLocked()
	s.retrofitCompleteTimesLocked()
	return s
}

// indexLocked assigns ids to every record element already present in the
// document, in document order.
func (s *Store) indexLocked() {
	cw := s.cwmpElement()
	if cw == nil {
		return
	}
	for _, el := range cw.ChildElements() {
		switch el.Tag {
		case eventTag, transferCompleteTag, downloadTag, uploadTag:
			s.registerLocked(el)
		}
	}
}

// retrofitCompleteTimesLocked rewrites sentinel complete times left behind
// by a crash mid-transfer: the best known completion bound is "now".
func (s *Store) retrofitCompleteTimesLocked() {
	cw := s.cwmpElement()
	if cw == nil {
		return
	}
	changed := false
	for _, el := range cw.SelectElements(transferCompleteTag) {
		ct := el.SelectElement(completeTimeTag)
		if ct == nil {
			ct = el.CreateElement(completeTimeTag)
		}
		if cwmp.IsUnknownTime(strings.TrimSpace(ct.Text())) {
			ct.SetText(cwmp.CurrentTime())
			changed = true
		}
	}
	if changed {
		if err := s.saveLocked(); err != nil {
			logger.Error("Cannot persist retrofitted complete times", logger.KeyError, err)
		}
	}
}

func (s *Store) registerLocked(el *etree.Element) int64 {
	id := s.nextID
	s.nextID++
	s.nodes[id] = el
	s.ids[el] = id
	return id
}

// rootElement returns the document root, creating it on first mutation.
func (s *Store) rootElement() *etree.Element {
	if root := s.doc.Root(); root != nil {
		return root
	}
	return s.doc.CreateElement(rootTag)
}

// cwmpElement returns the <cwmp> container, or nil if absent.
func (s *Store) cwmpElement() *etree.Element {
	root := s.doc.Root()
	if root == nil {
		return nil
	}
	return root.SelectElement(cwmpTag)
}

// ensureCWMPLocked returns the <cwmp> container, creating the skeleton as
// needed.
func (s *Store) ensureCWMPLocked() *etree.Element {
	root := s.rootElement()
	if cw := root.SelectElement(cwmpTag); cw != nil {
		return cw
	}
	return root.CreateElement(cwmpTag)
}

func (s *Store) saveLocked() error {
	if s.doc.Root() == nil {
		return nil
	}
	data, err := s.doc.WriteToBytes()
	if err != nil {
		return fmt.Errorf("serialize backup document: %w", err)
	}
	if err := s.sink.Save(data); err != nil {
		return fmt.Errorf("persist backup document: %w", err)
	}
	return nil
}

// ============================================================
// ACS URL and software version
// ============================================================

// ACSURL returns the ACS URL recorded in the document, or "" when the
// document has never been written.
func (s *Store) ACSURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	root := s.doc.Root()
	if root == nil {
		return ""
	}
	if el := root.SelectElement(acsURLTag); el != nil {
		return strings.TrimSpace(el.Text())
	}
	return ""
}

// SetACSURL rewrites the document from scratch for a new ACS: the recorded
// URL is replaced and every record is dropped. The caller is responsible
// for clearing the in-memory event queue and enqueueing BOOTSTRAP.
func (s *Store) SetACSURL(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := etree.NewDocument()
	root := doc.CreateElement(rootTag)
	root.CreateElement(acsURLTag).SetText(url)
	root.CreateElement(cwmpTag)

	s.doc = doc
	s.nodes = make(map[int64]*etree.Element)
	s.ids = make(map[*etree.Element]int64)
	return s.saveLocked()
}

// SoftwareVersion returns the last recorded software version, or "".
func (s *Store) SoftwareVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cw := s.cwmpElement()
	if cw == nil {
		return ""
	}
	if el := cw.SelectElement(softwareVersionTag); el != nil {
		return strings.TrimSpace(el.Text())
	}
	return ""
}

// SetSoftwareVersion records the running software version.
func (s *Store) SetSoftwareVersion(version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cw := s.ensureCWMPLocked()
	el := cw.SelectElement(softwareVersionTag)
	if el == nil {
		el = cw.CreateElement(softwareVersionTag)
	}
	el.SetText(version)
	return s.saveLocked()
}

// ============================================================
// Events
// ============================================================

// AddEvent persists a pending event and returns its record id.
func (s *Store) AddEvent(code cwmp.EventCode, key string, methodID int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el := s.ensureCWMPLocked().CreateElement(eventTag)
	el.CreateElement(eventNumberTag).SetText(strconv.Itoa(int(code)))
	if key != "" {
		el.CreateElement(eventKeyTag).SetText(key)
	}
	if methodID != 0 {
		el.CreateElement(eventMethodIDTag).SetText(strconv.Itoa(methodID))
	}

	id := s.registerLocked(el)
	if err := s.saveLocked(); err != nil {
		return id, err
	}
	return id, nil
}

// Events returns every persisted event in document order. Entries whose
// event number is missing or unknown are skipped.
func (s *Store) Events() []EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	cw := s.cwmpElement()
	if cw == nil {
		return nil
	}
	var out []EventRecord
	for _, el := range cw.SelectElements(eventTag) {
		num := el.SelectElement(eventNumberTag)
		if num == nil {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(num.Text()))
		if err != nil {
			continue
		}
		code := cwmp.EventCode(n)
		if !code.Valid() {
			continue
		}
		rec := EventRecord{ID: s.ids[el], Code: code}
		if k := el.SelectElement(eventKeyTag); k != nil {
			rec.Key = k.Text()
		}
		if m := el.SelectElement(eventMethodIDTag); m != nil {
			rec.MethodID, _ = strconv.Atoi(strings.TrimSpace(m.Text()))
		}
		out = append(out, rec)
	}
	return out
}

// ============================================================
// Transfer complete records
// ============================================================

// AddTransferComplete persists a new transfer-complete record with the
// unknown-time sentinel as its completion time.
func (s *Store) AddTransferComplete(commandKey string, fault cwmp.FaultCode, startTime string, methodID int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el := s.ensureCWMPLocked().CreateElement(transferCompleteTag)
	el.CreateElement(commandKeyTag).SetText(commandKey)
	el.CreateElement(faultCodeTag).SetText(fault.Code())
	el.CreateElement(faultStringTag).SetText(fault.Description())
	el.CreateElement(startTimeTag).SetText(startTime)
	el.CreateElement(completeTimeTag).SetText(cwmp.UnknownTime)
	el.CreateElement(methodIDTag).SetText(strconv.Itoa(methodID))

	id := s.registerLocked(el)
	if err := s.saveLocked(); err != nil {
		return id, err
	}
	return id, nil
}

// SetTransferFault updates the fault fields of a transfer-complete record.
func (s *Store) SetTransferFault(id int64, fault cwmp.FaultCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("backup record %d not found", id)
	}
	setChildText(el, faultCodeTag, fault.Code())
	setChildText(el, faultStringTag, fault.Description())
	return s.saveLocked()
}

// SetTransferCompleteTime stamps the completion time of a transfer-complete
// record.
func (s *Store) SetTransferCompleteTime(id int64, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("backup record %d not found", id)
	}
	setChildText(el, completeTimeTag, cwmp.FormatTime(t))
	return s.saveLocked()
}

// TransferCompletes returns every pending transfer-complete record in
// document order, which is delivery order.
func (s *Store) TransferCompletes() []TransferCompleteRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	cw := s.cwmpElement()
	if cw == nil {
		return nil
	}
	var out []TransferCompleteRecord
	for _, el := range cw.SelectElements(transferCompleteTag) {
		rec := TransferCompleteRecord{
			ID:           s.ids[el],
			CommandKey:   childText(el, commandKeyTag),
			FaultCode:    cwmp.ParseFaultCode(strings.TrimSpace(childText(el, faultCodeTag))),
			FaultString:  childText(el, faultStringTag),
			StartTime:    childText(el, startTimeTag),
			CompleteTime: childText(el, completeTimeTag),
		}
		rec.MethodID, _ = strconv.Atoi(strings.TrimSpace(childText(el, methodIDTag)))
		out = append(out, rec)
	}
	return out
}

// ============================================================
// Downloads and uploads
// ============================================================

// AddDownload persists a scheduled download and returns its record id.
func (s *Store) AddDownload(commandKey, fileType, url, username, password, fileSize string, executeAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el := s.ensureCWMPLocked().CreateElement(downloadTag)
	el.CreateElement(commandKeyTag).SetText(commandKey)
	el.CreateElement(fileTypeTag).SetText(fileType)
	el.CreateElement(urlTag).SetText(url)
	el.CreateElement(usernameTag).SetText(username)
	el.CreateElement(passwordTag).SetText(password)
	el.CreateElement(fileSizeTag).SetText(fileSize)
	el.CreateElement(timeExecuteTag).SetText(strconv.FormatInt(executeAt.Unix(), 10))

	id := s.registerLocked(el)
	if err := s.saveLocked(); err != nil {
		return id, err
	}
	return id, nil
}

// AddUpload persists a scheduled upload and returns its record id.
func (s *Store) AddUpload(commandKey, fileType, url, username, password string, executeAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el := s.ensureCWMPLocked().CreateElement(uploadTag)
	el.CreateElement(commandKeyTag).SetText(commandKey)
	el.CreateElement(fileTypeTag).SetText(fileType)
	el.CreateElement(urlTag).SetText(url)
	el.CreateElement(usernameTag).SetText(username)
	el.CreateElement(passwordTag).SetText(password)
	el.CreateElement(timeExecuteTag).SetText(strconv.FormatInt(executeAt.Unix(), 10))

	id := s.registerLocked(el)
	if err := s.saveLocked(); err != nil {
		return id, err
	}
	return id, nil
}

// Downloads returns every persisted download in document order.
func (s *Store) Downloads() []TransferRecord {
	return s.transferRecords(downloadTag, KindDownload)
}

// Uploads returns every persisted upload in document order.
func (s *Store) Uploads() []TransferRecord {
	return s.transferRecords(uploadTag, KindUpload)
}

func (s *Store) transferRecords(tag string, kind Kind) []TransferRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	cw := s.cwmpElement()
	if cw == nil {
		return nil
	}
	var out []TransferRecord
	for _, el := range cw.SelectElements(tag) {
		rec := TransferRecord{
			ID:         s.ids[el],
			Kind:       kind,
			CommandKey: childText(el, commandKeyTag),
			FileType:   childText(el, fileTypeTag),
			URL:        childText(el, urlTag),
			Username:   childText(el, usernameTag),
			Password:   childText(el, passwordTag),
			FileSize:   childText(el, fileSizeTag),
		}
		if raw := strings.TrimSpace(childText(el, timeExecuteTag)); raw != "" {
			if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil {
				rec.ExecuteAt = time.Unix(epoch, 0).UTC()
			}
		}
		out = append(out, rec)
	}
	return out
}

// ============================================================
// Removal
// ============================================================

// Remove deletes a record of any kind by id. Removing an id that is no
// longer present is a no-op.
func (s *Store) Remove(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.nodes[id]
	if !ok {
		return nil
	}
	delete(s.nodes, id)
	delete(s.ids, el)
	if parent := el.Parent(); parent != nil {
		parent.RemoveChild(el)
	}
	return s.saveLocked()
}

func childText(el *etree.Element, tag string) string {
	if c := el.SelectElement(tag); c != nil {
		return c.Text()
	}
	return ""
}

func setChildText(el *etree.Element, tag, text string) {
	c := el.SelectElement(tag)
	if c == nil {
		c = el.CreateElement(tag)
	}
	c.SetText(text)
}
