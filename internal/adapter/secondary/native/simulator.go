// Package native provides endpoint backends implementing domain.Enumerator.
package native

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"audioguard/internal/domain"
)

// ErrReleased is returned by calls on a released handle.
var ErrReleased = errors.New("native handle released")

// EndpointSpec describes a simulated endpoint.
type EndpointSpec struct {
	ID     string  `yaml:"id"`
	Name   string  `yaml:"name"`
	Flow   string  `yaml:"flow"`
	State  string  `yaml:"state"`
	Volume float64 `yaml:"volume"`
	// Broken makes metadata queries fail so the endpoint cannot be registered.
	Broken bool `yaml:"broken"`
}

type defaultKey struct {
	flow domain.Flow
	role domain.Role
}

type endpointState struct {
	id     string
	name   string
	flow   domain.Flow
	state  domain.DeviceState
	scalar float64
	broken bool

	volumeSets int
	sessions   []*Session

	volumeWatchers  map[uint64]func(float64)
	sessionWatchers map[uint64]func(domain.Session)
}

// Simulator is an in-memory endpoint backend. Notifications and watcher
// callbacks are delivered synchronously on the goroutine that caused them.
type Simulator struct {
	mu        sync.Mutex
	endpoints map[string]*endpointState
	defaults  map[defaultKey]string
	clients   map[uint64]domain.NotificationClient
	nextID    uint64
	handles   int
	released  bool
}

var _ domain.Enumerator = (*Simulator)(nil)

// NewSimulator creates an empty simulator.
func NewSimulator() *Simulator {
	return &Simulator{
		endpoints: make(map[string]*endpointState),
		defaults:  make(map[defaultKey]string),
		clients:   make(map[uint64]domain.NotificationClient),
	}
}

func (s *Simulator) id() uint64 {
	s.nextID++
	return s.nextID
}

func (s *Simulator) notify(fn func(domain.NotificationClient)) {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	clients := make([]domain.NotificationClient, 0, len(ids))
	for _, id := range ids {
		clients = append(clients, s.clients[id])
	}
	s.mu.Unlock()

	for _, c := range clients {
		fn(c)
	}
}

// AddEndpoint plugs in an endpoint and notifies subscribers.
func (s *Simulator) AddEndpoint(spec EndpointSpec) error {
	if spec.ID == "" {
		return errors.New("endpoint id is required")
	}
	flow := domain.FlowRender
	if spec.Flow != "" {
		f, err := domain.ParseFlow(spec.Flow)
		if err != nil {
			return err
		}
		flow = f
	}
	state := domain.StateActive
	if spec.State != "" {
		st, err := domain.ParseDeviceState(spec.State)
		if err != nil {
			return err
		}
		state = st
	}
	if err := domain.CheckPercent(spec.Volume); err != nil {
		return fmt.Errorf("endpoint %s: %w", spec.ID, err)
	}

	s.mu.Lock()
	if _, ok := s.endpoints[spec.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("endpoint %s already exists", spec.ID)
	}
	s.endpoints[spec.ID] = &endpointState{
		id:              spec.ID,
		name:            spec.Name,
		flow:            flow,
		state:           state,
		scalar:          domain.PercentToScalar(spec.Volume),
		broken:          spec.Broken,
		volumeWatchers:  make(map[uint64]func(float64)),
		sessionWatchers: make(map[uint64]func(domain.Session)),
	}
	s.mu.Unlock()

	s.notify(func(c domain.NotificationClient) { c.OnDeviceAdded(spec.ID) })
	return nil
}

// RemoveEndpoint unplugs an endpoint. Defaults pointing at it are cleared
// without notification, as the OS sends those separately.
func (s *Simulator) RemoveEndpoint(id string) error {
	s.mu.Lock()
	if _, ok := s.endpoints[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, id)
	}
	delete(s.endpoints, id)
	for k, v := range s.defaults {
		if v == id {
			delete(s.defaults, k)
		}
	}
	s.mu.Unlock()

	s.notify(func(c domain.NotificationClient) { c.OnDeviceRemoved(id) })
	return nil
}

// SetState changes an endpoint's state and notifies subscribers.
func (s *Simulator) SetState(id string, state domain.DeviceState) error {
	s.mu.Lock()
	ep, ok := s.endpoints[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, id)
	}
	ep.state = state
	s.mu.Unlock()

	s.notify(func(c domain.NotificationClient) { c.OnDeviceStateChanged(id, state) })
	return nil
}

// SetDefault makes id the default for flow/role. An empty id means no
// default.
func (s *Simulator) SetDefault(flow domain.Flow, role domain.Role, id string) error {
	s.mu.Lock()
	if id != "" {
		if _, ok := s.endpoints[id]; !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, id)
		}
		s.defaults[defaultKey{flow, role}] = id
	} else {
		delete(s.defaults, defaultKey{flow, role})
	}
	s.mu.Unlock()

	s.notify(func(c domain.NotificationClient) { c.OnDefaultDeviceChanged(flow, role, id) })
	return nil
}

// SetVolume changes the hardware volume from outside the engine, as a user
// slider would.
func (s *Simulator) SetVolume(id string, percent float64) error {
	if err := domain.CheckPercent(percent); err != nil {
		return err
	}
	return s.setScalar(id, domain.PercentToScalar(percent), false)
}

func (s *Simulator) setScalar(id string, scalar float64, counted bool) error {
	s.mu.Lock()
	ep, ok := s.endpoints[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, id)
	}
	ep.scalar = scalar
	if counted {
		ep.volumeSets++
	}
	watchers := make([]func(float64), 0, len(ep.volumeWatchers))
	for _, w := range ep.volumeWatchers {
		watchers = append(watchers, w)
	}
	s.mu.Unlock()

	for _, w := range watchers {
		w(scalar)
	}
	return nil
}

// Volume returns the hardware volume of id in percent.
func (s *Simulator) Volume(id string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return 0, false
	}
	return domain.ScalarToPercent(ep.scalar), true
}

// VolumeSets returns how often the engine set the volume of id.
func (s *Simulator) VolumeSets(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ep, ok := s.endpoints[id]; ok {
		return ep.volumeSets
	}
	return 0
}

// CreateSession starts an audio session on id and notifies session watchers.
func (s *Simulator) CreateSession(id string, pid uint32, name string, fraction float64) (*Session, error) {
	if err := domain.CheckFraction(fraction); err != nil {
		return nil, err
	}
	session := &Session{pid: pid, name: name, volume: fraction}

	s.mu.Lock()
	ep, ok := s.endpoints[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, id)
	}
	ep.sessions = append(ep.sessions, session)
	watchers := make([]func(domain.Session), 0, len(ep.sessionWatchers))
	for _, w := range ep.sessionWatchers {
		watchers = append(watchers, w)
	}
	s.mu.Unlock()

	for _, w := range watchers {
		w(session)
	}
	return session, nil
}

// Sessions returns the sessions started on id.
func (s *Simulator) Sessions(id string) []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil
	}
	return append([]*Session(nil), ep.sessions...)
}

// Watchers returns the number of volume and session watchers on id.
func (s *Simulator) Watchers(id string) (volume, sessions int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return 0, 0
	}
	return len(ep.volumeWatchers), len(ep.sessionWatchers)
}

// OpenHandles returns the number of endpoint handles not yet released.
func (s *Simulator) OpenHandles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles
}

// Subscribers returns the number of notification clients.
func (s *Simulator) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// EndpointIDs returns the native ids of all endpoints, sorted.
func (s *Simulator) EndpointIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.endpoints))
	for id := range s.endpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Simulator) Endpoints() ([]domain.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrReleased
	}
	ids := make([]string, 0, len(s.endpoints))
	for id := range s.endpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	list := make([]domain.Endpoint, 0, len(ids))
	for _, id := range ids {
		list = append(list, s.openLocked(id))
	}
	return list, nil
}

func (s *Simulator) Endpoint(nativeID string) (domain.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrReleased
	}
	if _, ok := s.endpoints[nativeID]; !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, nativeID)
	}
	return s.openLocked(nativeID), nil
}

func (s *Simulator) openLocked(id string) *Endpoint {
	s.handles++
	return &Endpoint{sim: s, id: id}
}

func (s *Simulator) DefaultEndpoint(flow domain.Flow, role domain.Role) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return "", ErrReleased
	}
	id, ok := s.defaults[defaultKey{flow, role}]
	if !ok {
		return "", domain.ErrNoDefaultDevice
	}
	return id, nil
}

func (s *Simulator) Subscribe(client domain.NotificationClient) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrReleased
	}
	id := s.id()
	s.clients[id] = client
	return func() {
		s.mu.Lock()
		delete(s.clients, id)
		s.mu.Unlock()
	}, nil
}

func (s *Simulator) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	s.clients = make(map[uint64]domain.NotificationClient)
	return nil
}

// Endpoint is a handle to a simulated endpoint.
type Endpoint struct {
	sim      *Simulator
	id       string
	released bool
}

var _ domain.Endpoint = (*Endpoint)(nil)

// state returns the shared endpoint state; callers hold sim.mu.
func (e *Endpoint) state() (*endpointState, error) {
	if e.released {
		return nil, ErrReleased
	}
	ep, ok := e.sim.endpoints[e.id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, e.id)
	}
	return ep, nil
}

func (e *Endpoint) NativeID() string {
	return e.id
}

func (e *Endpoint) Name() (string, error) {
	e.sim.mu.Lock()
	defer e.sim.mu.Unlock()
	ep, err := e.state()
	if err != nil {
		return "", err
	}
	if ep.broken {
		return "", fmt.Errorf("property store of %s unavailable", e.id)
	}
	return ep.name, nil
}

func (e *Endpoint) Flow() domain.Flow {
	e.sim.mu.Lock()
	defer e.sim.mu.Unlock()
	if ep, err := e.state(); err == nil {
		return ep.flow
	}
	return domain.FlowAll
}

func (e *Endpoint) State() (domain.DeviceState, error) {
	e.sim.mu.Lock()
	defer e.sim.mu.Unlock()
	ep, err := e.state()
	if err != nil {
		return 0, err
	}
	if ep.broken {
		return 0, fmt.Errorf("state of %s unavailable", e.id)
	}
	return ep.state, nil
}

func (e *Endpoint) Volume() (float64, error) {
	e.sim.mu.Lock()
	defer e.sim.mu.Unlock()
	ep, err := e.state()
	if err != nil {
		return 0, err
	}
	return ep.scalar, nil
}

func (e *Endpoint) SetVolume(scalar float64) error {
	if err := domain.CheckFraction(scalar); err != nil {
		return err
	}
	e.sim.mu.Lock()
	_, err := e.state()
	e.sim.mu.Unlock()
	if err != nil {
		return err
	}
	return e.sim.setScalar(e.id, scalar, true)
}

func (e *Endpoint) WatchVolume(fn func(scalar float64)) (func(), error) {
	e.sim.mu.Lock()
	defer e.sim.mu.Unlock()
	ep, err := e.state()
	if err != nil {
		return nil, err
	}
	id := e.sim.id()
	ep.volumeWatchers[id] = fn
	return func() {
		e.sim.mu.Lock()
		delete(ep.volumeWatchers, id)
		e.sim.mu.Unlock()
	}, nil
}

func (e *Endpoint) WatchSessions(fn func(domain.Session)) (func(), error) {
	e.sim.mu.Lock()
	defer e.sim.mu.Unlock()
	ep, err := e.state()
	if err != nil {
		return nil, err
	}
	id := e.sim.id()
	ep.sessionWatchers[id] = fn
	return func() {
		e.sim.mu.Lock()
		delete(ep.sessionWatchers, id)
		e.sim.mu.Unlock()
	}, nil
}

func (e *Endpoint) Release() error {
	e.sim.mu.Lock()
	defer e.sim.mu.Unlock()
	if e.released {
		return nil
	}
	e.released = true
	e.sim.handles--
	return nil
}

// Session is a simulated per-process audio session.
type Session struct {
	mu     sync.Mutex
	pid    uint32
	name   string
	volume float64
	sets   int
}

var _ domain.Session = (*Session)(nil)

// NewSession creates a session that is not attached to any endpoint.
func NewSession(pid uint32, name string, fraction float64) *Session {
	return &Session{pid: pid, name: name, volume: fraction}
}

func (s *Session) ProcessID() uint32 {
	return s.pid
}

func (s *Session) DisplayName() string {
	return s.name
}

func (s *Session) Volume() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume, nil
}

func (s *Session) SetVolume(fraction float64) error {
	if err := domain.CheckFraction(fraction); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = fraction
	s.sets++
	return nil
}

// Sets returns how often SetVolume succeeded.
func (s *Session) Sets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets
}
