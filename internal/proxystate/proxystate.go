// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package proxystate holds ConfigState, the authoritative in-memory model of
// routing configuration: clusters, frontends, backends, listeners and
// certificates. It is a pure value type: every mutation goes
// through Apply and returns the order(s) that would reproduce it, and two
// states can be compared structurally via DiffAgainst.
package proxystate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"warden/internal/wire"
)

// Errors returned by Apply. These are Validation-kind failures:
// reported to the caller, state left untouched.
var (
	ErrClusterExists      = errors.New("proxystate: cluster already exists")
	ErrClusterNotFound    = errors.New("proxystate: cluster not found")
	ErrClusterInUse       = errors.New("proxystate: cluster has live frontends or backends")
	ErrFrontendExists     = errors.New("proxystate: frontend already exists")
	ErrFrontendNotFound   = errors.New("proxystate: frontend not found")
	ErrBackendExists      = errors.New("proxystate: backend already exists")
	ErrBackendNotFound    = errors.New("proxystate: backend not found")
	ErrListenerExists     = errors.New("proxystate: listener address already in use")
	ErrListenerNotFound   = errors.New("proxystate: listener not found")
	ErrCertificateExists  = errors.New("proxystate: certificate fingerprint already present")
	ErrCertificateMissing = errors.New("proxystate: certificate fingerprint not found")
	ErrUnknownProxyOrder  = errors.New("proxystate: unknown proxy order")
)

// httpFrontendKey is the full frontend identity: "(address, hostname,
// path-rule, optional method, route)".
type httpFrontendKey struct {
	Address     string
	Hostname    string
	PathKind    wire.PathRuleKind
	PathValue   string
	Method      string
	RouteKind   wire.RouteKind
	RouteTarget string
}

func keyOfHTTPFrontend(d wire.HTTPFrontendData) httpFrontendKey {
	return httpFrontendKey{
		Address:     d.Address,
		Hostname:    d.Hostname,
		PathKind:    d.Path.Kind,
		PathValue:   d.Path.Value,
		Method:      d.Method,
		RouteKind:   d.Route.Kind,
		RouteTarget: d.Route.ClusterID,
	}
}

type tcpFrontendKey struct {
	ClusterID string
	Address   string
}

type certKey struct {
	ListenerAddress string
	Fingerprint     string
}

// ConfigState is the authoritative routing configuration. The zero value is
// a valid empty state.
type ConfigState struct {
	Clusters map[string]wire.AddClusterData

	httpFrontends  map[httpFrontendKey]wire.HTTPFrontendData
	httpsFrontends map[httpFrontendKey]wire.HTTPFrontendData
	tcpFrontends   map[tcpFrontendKey]wire.TCPFrontendData

	// Backends is cluster_id -> backend_id -> record.
	Backends map[string]map[string]wire.AddBackendData

	// Listeners is address -> record (kind distinguishes http/https/tcp).
	Listeners map[string]wire.AddListenerData
	// active tracks ACTIVATE_LISTENER/DEACTIVATE_LISTENER state, default
	// active on creation.
	active map[string]bool

	// Certificates is listener_address -> fingerprint -> record.
	Certificates map[string]map[string]wire.AddCertificateData
}

// New returns an empty ConfigState, ready for Apply calls.
func New() *ConfigState {
	return &ConfigState{
		Clusters:       make(map[string]wire.AddClusterData),
		httpFrontends:  make(map[httpFrontendKey]wire.HTTPFrontendData),
		httpsFrontends: make(map[httpFrontendKey]wire.HTTPFrontendData),
		tcpFrontends:   make(map[tcpFrontendKey]wire.TCPFrontendData),
		Backends:       make(map[string]map[string]wire.AddBackendData),
		Listeners:      make(map[string]wire.AddListenerData),
		active:         make(map[string]bool),
		Certificates:   make(map[string]map[string]wire.AddCertificateData),
	}
}

// Apply mutates the state per order and returns the diff that would
// reproduce the change, i.e. the order itself re-wrapped as a single-element
// sequence — applying it to the pre-Apply snapshot yields the post-Apply
// state. Runtime-only sub-orders (SoftStop, HardStop, Status,
// Logging, Metrics, Query, ReturnListenSockets) never touch ConfigState and
// return an empty diff.
func (c *ConfigState) Apply(order wire.ProxyOrder) ([]wire.ProxyOrder, error) {
	switch order.Type {
	case wire.ProxyAddCluster:
		var d wire.AddClusterData
		if err := order.DecodeData(&d); err != nil {
			return nil, err
		}
		if _, exists := c.Clusters[d.ClusterID]; exists {
			return nil, ErrClusterExists
		}
		c.Clusters[d.ClusterID] = d

	case wire.ProxyRemoveCluster:
		var d wire.RemoveClusterData
		if err := order.DecodeData(&d); err != nil {
			return nil, err
		}
		if _, exists := c.Clusters[d.ClusterID]; !exists {
			return nil, ErrClusterNotFound
		}
		if !d.Cascade && c.clusterInUse(d.ClusterID) {
			return nil, ErrClusterInUse
		}
		if d.Cascade {
			c.cascadeRemoveCluster(d.ClusterID)
		}
		delete(c.Clusters, d.ClusterID)
		delete(c.Backends, d.ClusterID)

	case wire.ProxyAddHTTPFrontend:
		var d wire.HTTPFrontendData
		if err := order.DecodeData(&d); err != nil {
			return nil, err
		}
		k := keyOfHTTPFrontend(d)
		if _, exists := c.httpFrontends[k]; exists {
			return nil, ErrFrontendExists
		}
		c.httpFrontends[k] = d

	case wire.ProxyRemoveHTTPFrontend:
		var d wire.RemoveHTTPFrontendData
		if err := order.DecodeData(&d); err != nil {
			return nil, err
		}
		k := keyOfHTTPFrontend(d)
		if _, exists := c.httpFrontends[k]; !exists {
			return nil, ErrFrontendNotFound
		}
		delete(c.httpFrontends, k)

	case wire.ProxyAddHTTPSFrontend:
		var d wire.HTTPFrontendData
		if err := order.DecodeData(&d); err != nil {
			return nil, err
		}
		k := keyOfHTTPFrontend(d)
		if _, exists := c.httpsFrontends[k]; exists {
			return nil, ErrFrontendExists
		}
		c.httpsFrontends[k] = d

	case wire.ProxyRemoveHTTPSFrontend:
		var d wire.RemoveHTTPFrontendData
		if err := order.DecodeData(&d); err != nil {
			return nil, err
		}
		k := keyOfHTTPFrontend(d)
		if _, exists := c.httpsFrontends[k]; !exists {
			return nil, ErrFrontendNotFound
		}
		delete(c.httpsFrontends, k)

	case wire.ProxyAddTCPFrontend:
		var d wire.TCPFrontendData
		if err := order.DecodeData(&d); err != nil {
			return nil, err
		}
		k := tcpFrontendKey{ClusterID: d.ClusterID, Address: d.Address}
		if _, exists := c.tcpFrontends[k]; exists {
			return nil, ErrFrontendExists
		}
		c.tcpFrontends[k] = d

	case wire.ProxyRemoveTCPFrontend:
		var d wire.TCPFrontendData
		if err := order.DecodeData(&d); err != nil {
			return nil, err
		}
		k := tcpFrontendKey{ClusterID: d.ClusterID, Address: d.Address}
		if _, exists := c.tcpFrontends[k]; !exists {
			return nil, ErrFrontendNotFound
		}
		delete(c.tcpFrontends, k)

	case wire.ProxyAddBackend:
		var d wire.AddBackendData
		if err := order.DecodeData(&d); err != nil {
			return nil, err
		}
		if _, exists := c.Clusters[d.ClusterID]; !exists {
			return nil, ErrClusterNotFound
		}
		bucket := c.Backends[d.ClusterID]
		if bucket == nil {
			bucket = make(map[string]wire.AddBackendData)
			c.Backends[d.ClusterID] = bucket
		}
		if _, exists := bucket[d.BackendID]; exists {
			return nil, ErrBackendExists
		}
		bucket[d.BackendID] = d

	case wire.ProxyRemoveBackend:
		var d wire.RemoveBackendData
		if err := order.DecodeData(&d); err != nil {
			return nil, err
		}
		bucket := c.Backends[d.ClusterID]
		if bucket == nil {
			return nil, ErrBackendNotFound
		}
		if _, exists := bucket[d.BackendID]; !exists {
			return nil, ErrBackendNotFound
		}
		delete(bucket, d.BackendID)

	case wire.ProxyAddCertificate:
		var d wire.AddCertificateData
		if err := order.DecodeData(&d); err != nil {
			return nil, err
		}
		bucket := c.Certificates[d.ListenerAddress]
		if bucket == nil {
			bucket = make(map[string]wire.AddCertificateData)
			c.Certificates[d.ListenerAddress] = bucket
		}
		if _, exists := bucket[d.Fingerprint]; exists {
			return nil, ErrCertificateExists
		}
		bucket[d.Fingerprint] = d

	case wire.ProxyReplaceCertificate:
		var d wire.ReplaceCertificateData
		if err := order.DecodeData(&d); err != nil {
			return nil, err
		}
		bucket := c.Certificates[d.ListenerAddress]
		if bucket == nil {
			return nil, ErrCertificateMissing
		}
		if _, exists := bucket[d.OldFingerprint]; !exists {
			return nil, ErrCertificateMissing
		}
		delete(bucket, d.OldFingerprint)
		bucket[d.New.Fingerprint] = d.New

	case wire.ProxyRemoveCertificate:
		var d wire.RemoveCertificateData
		if err := order.DecodeData(&d); err != nil {
			return nil, err
		}
		bucket := c.Certificates[d.ListenerAddress]
		if bucket == nil {
			return nil, ErrCertificateMissing
		}
		if _, exists := bucket[d.Fingerprint]; !exists {
			return nil, ErrCertificateMissing
		}
		delete(bucket, d.Fingerprint)

	case wire.ProxyAddHTTPListener, wire.ProxyAddHTTPSListener, wire.ProxyAddTCPListener:
		var d wire.AddListenerData
		if err := order.DecodeData(&d); err != nil {
			return nil, err
		}
		if _, exists := c.Listeners[d.Address]; exists {
			return nil, ErrListenerExists
		}
		c.Listeners[d.Address] = d
		c.active[d.Address] = true

	case wire.ProxyRemoveListener:
		var d wire.RemoveListenerData
		if err := order.DecodeData(&d); err != nil {
			return nil, err
		}
		if _, exists := c.Listeners[d.Address]; !exists {
			return nil, ErrListenerNotFound
		}
		delete(c.Listeners, d.Address)
		delete(c.active, d.Address)
		delete(c.Certificates, d.Address)

	case wire.ProxyActivateListener:
		var d wire.ActivateListenerData
		if err := order.DecodeData(&d); err != nil {
			return nil, err
		}
		if _, exists := c.Listeners[d.Address]; !exists {
			return nil, ErrListenerNotFound
		}
		c.active[d.Address] = true

	case wire.ProxyDeactivateListener:
		var d wire.DeactivateListenerData
		if err := order.DecodeData(&d); err != nil {
			return nil, err
		}
		if _, exists := c.Listeners[d.Address]; !exists {
			return nil, ErrListenerNotFound
		}
		c.active[d.Address] = false

	case wire.ProxySoftStop, wire.ProxyHardStop, wire.ProxyStatus,
		wire.ProxyLogging, wire.ProxyMetrics, wire.ProxyQuery,
		wire.ProxyReturnListenSockets:
		// Runtime-directed, not a ConfigState mutation.
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProxyOrder, order.Type)
	}

	return []wire.ProxyOrder{order}, nil
}

// IsListenerActive reports whether address is currently active. Unknown addresses report false.
func (c *ConfigState) IsListenerActive(address string) bool {
	return c.active[address]
}

func (c *ConfigState) clusterInUse(clusterID string) bool {
	if len(c.Backends[clusterID]) > 0 {
		return true
	}
	for k := range c.httpFrontends {
		if k.RouteTarget == clusterID {
			return true
		}
	}
	for k := range c.httpsFrontends {
		if k.RouteTarget == clusterID {
			return true
		}
	}
	for k := range c.tcpFrontends {
		if k.ClusterID == clusterID {
			return true
		}
	}
	return false
}

func (c *ConfigState) cascadeRemoveCluster(clusterID string) {
	for k, v := range c.httpFrontends {
		if v.Route.ClusterID == clusterID {
			delete(c.httpFrontends, k)
		}
	}
	for k, v := range c.httpsFrontends {
		if v.Route.ClusterID == clusterID {
			delete(c.httpsFrontends, k)
		}
	}
	for k := range c.tcpFrontends {
		if k.ClusterID == clusterID {
			delete(c.tcpFrontends, k)
		}
	}
}

// Clone returns a deep copy, used by the Command Server to snapshot state
// before a fan-out so a partial failure can be rolled back to byte-identical
// pre-order state.
func (c *ConfigState) Clone() *ConfigState {
	out := New()
	for k, v := range c.Clusters {
		out.Clusters[k] = v
	}
	for k, v := range c.httpFrontends {
		out.httpFrontends[k] = v
	}
	for k, v := range c.httpsFrontends {
		out.httpsFrontends[k] = v
	}
	for k, v := range c.tcpFrontends {
		out.tcpFrontends[k] = v
	}
	for cluster, bucket := range c.Backends {
		nb := make(map[string]wire.AddBackendData, len(bucket))
		for k, v := range bucket {
			nb[k] = v
		}
		out.Backends[cluster] = nb
	}
	for k, v := range c.Listeners {
		out.Listeners[k] = v
	}
	for k, v := range c.active {
		out.active[k] = v
	}
	for addr, bucket := range c.Certificates {
		nb := make(map[string]wire.AddCertificateData, len(bucket))
		for k, v := range bucket {
			nb[k] = v
		}
		out.Certificates[addr] = nb
	}
	return out
}

// Equal reports whether two states serialize identically, i.e. are
// byte-identical per their canonical encoding.
func (c *ConfigState) Equal(other *ConfigState) bool {
	a, errA := c.Serialize()
	b, errB := other.Serialize()
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// snapshot is the canonical, stably-ordered serialization shape.
type snapshot struct {
	Clusters  []clusterEntry  `json:"clusters"`
	HTTP      []frontendEntry `json:"http_frontends"`
	HTTPS     []frontendEntry `json:"https_frontends"`
	TCP       []tcpEntry      `json:"tcp_frontends"`
	Backends  []backendEntry  `json:"backends"`
	Listeners []listenerEntry `json:"listeners"`
	Certs     []certEntry     `json:"certificates"`
}

type clusterEntry struct {
	ClusterID string              `json:"cluster_id"`
	Data      wire.AddClusterData `json:"data"`
}

type frontendEntry struct {
	Key  httpFrontendKey       `json:"key"`
	Data wire.HTTPFrontendData `json:"data"`
}

type tcpEntry struct {
	Key  tcpFrontendKey       `json:"key"`
	Data wire.TCPFrontendData `json:"data"`
}

type backendEntry struct {
	ClusterID string              `json:"cluster_id"`
	BackendID string              `json:"backend_id"`
	Data      wire.AddBackendData `json:"data"`
}

type listenerEntry struct {
	Address string               `json:"address"`
	Active  bool                 `json:"active"`
	Data    wire.AddListenerData `json:"data"`
}

type certEntry struct {
	Key  certKey                 `json:"key"`
	Data wire.AddCertificateData `json:"data"`
}

// Serialize produces the canonical JSON form: every collection sorted into
// a deterministic lexicographic order by key so two equal states always
// produce identical bytes and diffs stay small.
func (c *ConfigState) Serialize() ([]byte, error) {
	snap := snapshot{}

	clusterIDs := sortedKeys(c.Clusters)
	for _, id := range clusterIDs {
		snap.Clusters = append(snap.Clusters, clusterEntry{ClusterID: id, Data: c.Clusters[id]})
	}

	snap.HTTP = sortedFrontends(c.httpFrontends)
	snap.HTTPS = sortedFrontends(c.httpsFrontends)

	tcpKeys := make([]tcpFrontendKey, 0, len(c.tcpFrontends))
	for k := range c.tcpFrontends {
		tcpKeys = append(tcpKeys, k)
	}
	sort.Slice(tcpKeys, func(i, j int) bool {
		if tcpKeys[i].ClusterID != tcpKeys[j].ClusterID {
			return tcpKeys[i].ClusterID < tcpKeys[j].ClusterID
		}
		return tcpKeys[i].Address < tcpKeys[j].Address
	})
	for _, k := range tcpKeys {
		snap.TCP = append(snap.TCP, tcpEntry{Key: k, Data: c.tcpFrontends[k]})
	}

	clusterNames := make([]string, 0, len(c.Backends))
	for cl := range c.Backends {
		clusterNames = append(clusterNames, cl)
	}
	sort.Strings(clusterNames)
	for _, cl := range clusterNames {
		ids := sortedKeys(c.Backends[cl])
		for _, id := range ids {
			snap.Backends = append(snap.Backends, backendEntry{ClusterID: cl, BackendID: id, Data: c.Backends[cl][id]})
		}
	}

	listenerAddrs := sortedKeys(c.Listeners)
	for _, addr := range listenerAddrs {
		snap.Listeners = append(snap.Listeners, listenerEntry{Address: addr, Active: c.active[addr], Data: c.Listeners[addr]})
	}

	listenerNames := make([]string, 0, len(c.Certificates))
	for addr := range c.Certificates {
		listenerNames = append(listenerNames, addr)
	}
	sort.Strings(listenerNames)
	for _, addr := range listenerNames {
		fps := sortedKeys(c.Certificates[addr])
		for _, fp := range fps {
			snap.Certs = append(snap.Certs, certEntry{
				Key:  certKey{ListenerAddress: addr, Fingerprint: fp},
				Data: c.Certificates[addr][fp],
			})
		}
	}

	return json.Marshal(snap)
}

// frontendSnapshot is the canonical, stably-ordered view LIST_FRONTENDS
// returns: just the frontend set, never clusters/backends/listeners/certs.
type frontendSnapshot struct {
	HTTP  []frontendEntry `json:"http_frontends"`
	HTTPS []frontendEntry `json:"https_frontends"`
	TCP   []tcpEntry      `json:"tcp_frontends"`
}

// ListFrontends returns the HTTP/HTTPS/TCP frontend set, optionally
// narrowed to a single cluster id by filter. Unlike DumpState, it never
// includes clusters, backends, listeners, or certificates: LIST_FRONTENDS
// is a distinct local read, not a DumpState alias.
func (c *ConfigState) ListFrontends(filter string) ([]byte, error) {
	var out frontendSnapshot

	for _, e := range sortedFrontends(c.httpFrontends) {
		if filter == "" || e.Key.RouteTarget == filter {
			out.HTTP = append(out.HTTP, e)
		}
	}
	for _, e := range sortedFrontends(c.httpsFrontends) {
		if filter == "" || e.Key.RouteTarget == filter {
			out.HTTPS = append(out.HTTPS, e)
		}
	}

	tcpKeys := make([]tcpFrontendKey, 0, len(c.tcpFrontends))
	for k := range c.tcpFrontends {
		if filter == "" || k.ClusterID == filter {
			tcpKeys = append(tcpKeys, k)
		}
	}
	sort.Slice(tcpKeys, func(i, j int) bool {
		if tcpKeys[i].ClusterID != tcpKeys[j].ClusterID {
			return tcpKeys[i].ClusterID < tcpKeys[j].ClusterID
		}
		return tcpKeys[i].Address < tcpKeys[j].Address
	})
	for _, k := range tcpKeys {
		out.TCP = append(out.TCP, tcpEntry{Key: k, Data: c.tcpFrontends[k]})
	}

	return json.Marshal(out)
}

// Deserialize replaces the receiver's contents with the state encoded in b,
// as produced by Serialize.
func (c *ConfigState) Deserialize(b []byte) error {
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("proxystate: decode snapshot: %w", err)
	}

	fresh := New()
	for _, e := range snap.Clusters {
		fresh.Clusters[e.ClusterID] = e.Data
	}
	for _, e := range snap.HTTP {
		fresh.httpFrontends[e.Key] = e.Data
	}
	for _, e := range snap.HTTPS {
		fresh.httpsFrontends[e.Key] = e.Data
	}
	for _, e := range snap.TCP {
		fresh.tcpFrontends[e.Key] = e.Data
	}
	for _, e := range snap.Backends {
		bucket := fresh.Backends[e.ClusterID]
		if bucket == nil {
			bucket = make(map[string]wire.AddBackendData)
			fresh.Backends[e.ClusterID] = bucket
		}
		bucket[e.BackendID] = e.Data
	}
	for _, e := range snap.Listeners {
		fresh.Listeners[e.Address] = e.Data
		fresh.active[e.Address] = e.Active
	}
	for _, e := range snap.Certs {
		bucket := fresh.Certificates[e.Key.ListenerAddress]
		if bucket == nil {
			bucket = make(map[string]wire.AddCertificateData)
			fresh.Certificates[e.Key.ListenerAddress] = bucket
		}
		bucket[e.Key.Fingerprint] = e.Data
	}

	*c = *fresh
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedFrontends(m map[httpFrontendKey]wire.HTTPFrontendData) []frontendEntry {
	keys := make([]httpFrontendKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return frontendKeyLess(keys[i], keys[j])
	})
	out := make([]frontendEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, frontendEntry{Key: k, Data: m[k]})
	}
	return out
}

func frontendKeyLess(a, b httpFrontendKey) bool {
	if a.Address != b.Address {
		return a.Address < b.Address
	}
	if a.Hostname != b.Hostname {
		return a.Hostname < b.Hostname
	}
	if a.PathKind != b.PathKind {
		return a.PathKind < b.PathKind
	}
	if a.PathValue != b.PathValue {
		return a.PathValue < b.PathValue
	}
	if a.Method != b.Method {
		return a.Method < b.Method
	}
	if a.RouteKind != b.RouteKind {
		return a.RouteKind < b.RouteKind
	}
	return a.RouteTarget < b.RouteTarget
}
