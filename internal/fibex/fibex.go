// Package fibex loads FIBEX XML metadata used to decode non-verbose DLT
// payloads and to resolve SomeIP service/method names. Models are read-only
// after load and shared by reference across sessions through the Cache.
package fibex

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// FrameInfo describes one non-verbose DLT frame.
type FrameInfo struct {
	Name    string
	AppID   string
	CtxID   string
	Payload string
}

// Service describes one SomeIP service interface.
type Service struct {
	Name    string
	Methods map[uint16]string
}

// Model is the loaded, immutable metadata of one fibex file set.
type Model struct {
	Frames   map[uint32]FrameInfo
	Services map[uint16]Service
}

// FrameByID resolves a non-verbose DLT message id.
func (m *Model) FrameByID(id uint32) (FrameInfo, bool) {
	f, ok := m.Frames[id]
	return f, ok
}

// ServiceByID resolves a SomeIP service id.
func (m *Model) ServiceByID(id uint16) (Service, bool) {
	s, ok := m.Services[id]
	return s, ok
}

// Cache deduplicates model loads by absolute path set. Safe for concurrent
// use; loaded models are never mutated.
type Cache struct {
	mu     sync.Mutex
	models map[string]*Model
}

func NewCache() *Cache {
	return &Cache{models: map[string]*Model{}}
}

func (c *Cache) Load(paths []string) (*Model, error) {
	key, err := cacheKey(paths)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.models[key]; ok {
		return m, nil
	}
	m := &Model{Frames: map[uint32]FrameInfo{}, Services: map[uint16]Service{}}
	for _, p := range paths {
		if err := m.loadFile(p); err != nil {
			return nil, err
		}
	}
	c.models[key] = m
	return m, nil
}

func cacheKey(paths []string) (string, error) {
	abs := make([]string, 0, len(paths))
	for _, p := range paths {
		a, err := filepath.Abs(p)
		if err != nil {
			return "", fmt.Errorf("resolve fibex path %q: %w", p, err)
		}
		abs = append(abs, a)
	}
	sort.Strings(abs)
	return strings.Join(abs, "|"), nil
}

type xmlDocument struct {
	Frames   []xmlFrame   `xml:"ELEMENTS>FRAMES>FRAME"`
	Services []xmlService `xml:"ELEMENTS>SERVICE-INTERFACES>SERVICE-INTERFACE"`
}

type xmlFrame struct {
	ID        string   `xml:"ID,attr"`
	ShortName string   `xml:"SHORT-NAME"`
	ManufExt  xmlExt   `xml:"MANUFACTURER-EXTENSION"`
	PduRefs   []string `xml:"PDU-INSTANCES>PDU-INSTANCE>PDU-REF"`
}

type xmlExt struct {
	MessageInfo string `xml:"MESSAGE_INFO"`
	AppID       string `xml:"APPLICATION_ID"`
	CtxID       string `xml:"CONTEXT_ID"`
	MessageID   string `xml:"MESSAGE_ID"`
}

type xmlService struct {
	ShortName string      `xml:"SHORT-NAME"`
	ServiceID string      `xml:"SERVICE-IDENTIFIER"`
	Methods   []xmlMethod `xml:"METHODS>METHOD"`
}

type xmlMethod struct {
	ShortName string `xml:"SHORT-NAME"`
	MethodID  string `xml:"METHOD-IDENTIFIER"`
}

func (m *Model) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read fibex file: %w", err)
	}
	var doc xmlDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse fibex file %s: %w", path, err)
	}
	for _, frame := range doc.Frames {
		id, ok := frameMessageID(frame)
		if !ok {
			continue
		}
		m.Frames[id] = FrameInfo{
			Name:    frame.ShortName,
			AppID:   frame.ManufExt.AppID,
			CtxID:   frame.ManufExt.CtxID,
			Payload: frame.ManufExt.MessageInfo,
		}
	}
	for _, svc := range doc.Services {
		id, err := parseID(svc.ServiceID)
		if err != nil {
			continue
		}
		methods := make(map[uint16]string, len(svc.Methods))
		for _, method := range svc.Methods {
			mid, err := parseID(method.MethodID)
			if err != nil {
				continue
			}
			methods[uint16(mid)] = method.ShortName
		}
		m.Services[uint16(id)] = Service{Name: svc.ShortName, Methods: methods}
	}
	return nil
}

func frameMessageID(frame xmlFrame) (uint32, bool) {
	if frame.ManufExt.MessageID != "" {
		if id, err := parseID(frame.ManufExt.MessageID); err == nil {
			return uint32(id), true
		}
	}
	// Fallback: frame ids of the form "ID_<n>".
	raw := strings.TrimPrefix(frame.ID, "ID_")
	if id, err := parseID(raw); err == nil {
		return uint32(id), true
	}
	return 0, false
}

func parseID(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		return strconv.ParseUint(raw[2:], 16, 32)
	}
	return strconv.ParseUint(raw, 10, 32)
}
