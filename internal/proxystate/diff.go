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

package proxystate

import (
	"reflect"

	"warden/internal/wire"
)

// DiffAgainst produces the order list that transforms other into the
// receiver: everything present in other but absent (or different) in
// self is removed first, then everything present in self but absent (or
// different) from other is added, respecting the dependency order a
// from-scratch worker needs (listeners and clusters before the frontends,
// backends and certificates that reference them; the reverse on removal).
func (c *ConfigState) DiffAgainst(other *ConfigState) []wire.ProxyOrder {
	var orders []wire.ProxyOrder

	// --- removals, dependents before the things they depend on ---
	for _, e := range sortedFrontends(other.httpFrontends) {
		if cur, ok := c.httpFrontends[e.Key]; !ok || cur != e.Data {
			orders = append(orders, mustOrder(wire.ProxyRemoveHTTPFrontend, wire.RemoveHTTPFrontendData(e.Data)))
		}
	}
	for _, e := range sortedFrontends(other.httpsFrontends) {
		if cur, ok := c.httpsFrontends[e.Key]; !ok || cur != e.Data {
			orders = append(orders, mustOrder(wire.ProxyRemoveHTTPSFrontend, wire.RemoveHTTPFrontendData(e.Data)))
		}
	}
	for _, k := range sortedTCPKeys(other.tcpFrontends) {
		if cur, ok := c.tcpFrontends[k]; !ok || cur != other.tcpFrontends[k] {
			orders = append(orders, mustOrder(wire.ProxyRemoveTCPFrontend, other.tcpFrontends[k]))
		}
	}
	for _, cl := range sortedKeys(other.Backends) {
		for _, id := range sortedKeys(other.Backends[cl]) {
			cur, ok := c.Backends[cl][id]
			if !ok || cur != other.Backends[cl][id] {
				orders = append(orders, mustOrder(wire.ProxyRemoveBackend, wire.RemoveBackendData{ClusterID: cl, BackendID: id}))
			}
		}
	}
	for _, addr := range sortedKeys(other.Certificates) {
		for _, fp := range sortedKeys(other.Certificates[addr]) {
			cur, ok := c.Certificates[addr][fp]
			if !ok || !certEqual(cur, other.Certificates[addr][fp]) {
				orders = append(orders, mustOrder(wire.ProxyRemoveCertificate, wire.RemoveCertificateData{ListenerAddress: addr, Fingerprint: fp}))
			}
		}
	}
	for _, addr := range sortedKeys(other.Clusters) {
		cur, ok := c.Clusters[addr]
		if !ok || !reflect.DeepEqual(cur, other.Clusters[addr]) {
			orders = append(orders, mustOrder(wire.ProxyRemoveCluster, wire.RemoveClusterData{ClusterID: addr, Cascade: true}))
		}
	}
	for _, addr := range sortedKeys(other.Listeners) {
		cur, ok := c.Listeners[addr]
		if !ok || !reflect.DeepEqual(cur, other.Listeners[addr]) {
			orders = append(orders, mustOrder(wire.ProxyRemoveListener, wire.RemoveListenerData{Address: addr}))
		}
	}

	// --- additions, dependencies before their dependents ---
	for _, addr := range sortedKeys(c.Clusters) {
		cur, ok := other.Clusters[addr]
		if !ok || !reflect.DeepEqual(cur, c.Clusters[addr]) {
			orders = append(orders, mustOrder(wire.ProxyAddCluster, c.Clusters[addr]))
		}
	}
	for _, addr := range sortedKeys(c.Listeners) {
		cur, ok := other.Listeners[addr]
		if !ok || !reflect.DeepEqual(cur, c.Listeners[addr]) {
			orders = append(orders, mustOrder(listenerAddTag(c.Listeners[addr].Kind), c.Listeners[addr]))
		}
	}
	for _, e := range sortedFrontends(c.httpFrontends) {
		if cur, ok := other.httpFrontends[e.Key]; !ok || cur != e.Data {
			orders = append(orders, mustOrder(wire.ProxyAddHTTPFrontend, e.Data))
		}
	}
	for _, e := range sortedFrontends(c.httpsFrontends) {
		if cur, ok := other.httpsFrontends[e.Key]; !ok || cur != e.Data {
			orders = append(orders, mustOrder(wire.ProxyAddHTTPSFrontend, e.Data))
		}
	}
	for _, k := range sortedTCPKeys(c.tcpFrontends) {
		if cur, ok := other.tcpFrontends[k]; !ok || cur != c.tcpFrontends[k] {
			orders = append(orders, mustOrder(wire.ProxyAddTCPFrontend, c.tcpFrontends[k]))
		}
	}
	for _, cl := range sortedKeys(c.Backends) {
		for _, id := range sortedKeys(c.Backends[cl]) {
			cur, ok := other.Backends[cl][id]
			if !ok || cur != c.Backends[cl][id] {
				orders = append(orders, mustOrder(wire.ProxyAddBackend, c.Backends[cl][id]))
			}
		}
	}
	for _, addr := range sortedKeys(c.Certificates) {
		for _, fp := range sortedKeys(c.Certificates[addr]) {
			cur, ok := other.Certificates[addr][fp]
			if !ok || !certEqual(cur, c.Certificates[addr][fp]) {
				orders = append(orders, mustOrder(wire.ProxyAddCertificate, c.Certificates[addr][fp]))
			}
		}
	}

	return orders
}

// certEqual compares two certificate records by value; AddCertificateData
// carries slice fields so it is not comparable with ==.
func certEqual(a, b wire.AddCertificateData) bool {
	return reflect.DeepEqual(a, b)
}

func listenerAddTag(kind wire.ListenerKind) wire.ProxyOrderTag {
	switch kind {
	case wire.ListenerHTTPS:
		return wire.ProxyAddHTTPSListener
	case wire.ListenerTCP:
		return wire.ProxyAddTCPListener
	default:
		return wire.ProxyAddHTTPListener
	}
}

func sortedTCPKeys(m map[tcpFrontendKey]wire.TCPFrontendData) []tcpFrontendKey {
	keys := make([]tcpFrontendKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && tcpKeyLess(keys[j], keys[j-1]); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

func tcpKeyLess(a, b tcpFrontendKey) bool {
	if a.ClusterID != b.ClusterID {
		return a.ClusterID < b.ClusterID
	}
	return a.Address < b.Address
}

// mustOrder builds a ProxyOrder from data whose marshaling cannot fail
// (every payload type here is a plain struct of marshalable fields).
func mustOrder(tag wire.ProxyOrderTag, data any) wire.ProxyOrder {
	order, err := wire.NewProxyOrder(tag, data)
	if err != nil {
		panic(err)
	}
	return order
}
