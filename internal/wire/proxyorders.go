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

package wire

import "encoding/json"

// ProxyOrderTag is the closed set of sub-orders a PROXY request can carry.
// Adding a variant requires a version bump unless legacy mains can safely
// ignore it.
type ProxyOrderTag string

const (
	ProxyAddCluster          ProxyOrderTag = "ADD_CLUSTER"
	ProxyRemoveCluster       ProxyOrderTag = "REMOVE_CLUSTER"
	ProxyAddHTTPFrontend     ProxyOrderTag = "ADD_HTTP_FRONTEND"
	ProxyRemoveHTTPFrontend  ProxyOrderTag = "REMOVE_HTTP_FRONTEND"
	ProxyAddHTTPSFrontend    ProxyOrderTag = "ADD_HTTPS_FRONTEND"
	ProxyRemoveHTTPSFrontend ProxyOrderTag = "REMOVE_HTTPS_FRONTEND"
	ProxyAddTCPFrontend      ProxyOrderTag = "ADD_TCP_FRONTEND"
	ProxyRemoveTCPFrontend   ProxyOrderTag = "REMOVE_TCP_FRONTEND"
	ProxyAddBackend          ProxyOrderTag = "ADD_BACKEND"
	ProxyRemoveBackend       ProxyOrderTag = "REMOVE_BACKEND"
	ProxyAddCertificate      ProxyOrderTag = "ADD_CERTIFICATE"
	ProxyReplaceCertificate  ProxyOrderTag = "REPLACE_CERTIFICATE"
	ProxyRemoveCertificate   ProxyOrderTag = "REMOVE_CERTIFICATE"
	ProxyAddHTTPListener     ProxyOrderTag = "ADD_HTTP_LISTENER"
	ProxyAddHTTPSListener    ProxyOrderTag = "ADD_HTTPS_LISTENER"
	ProxyAddTCPListener      ProxyOrderTag = "ADD_TCP_LISTENER"
	ProxyRemoveListener      ProxyOrderTag = "REMOVE_LISTENER"
	ProxyActivateListener    ProxyOrderTag = "ACTIVATE_LISTENER"
	ProxyDeactivateListener  ProxyOrderTag = "DEACTIVATE_LISTENER"
	ProxySoftStop            ProxyOrderTag = "SOFT_STOP"
	ProxyHardStop            ProxyOrderTag = "HARD_STOP"
	ProxyStatus              ProxyOrderTag = "STATUS"
	ProxyLogging             ProxyOrderTag = "LOGGING"
	ProxyMetrics             ProxyOrderTag = "METRICS"
	ProxyQuery               ProxyOrderTag = "QUERY"
	// ProxyReturnListenSockets lets a worker being upgraded be told to
	// hand its listening fds back over its SCM socket instead of the main
	// simply reusing the copies it already holds.
	ProxyReturnListenSockets ProxyOrderTag = "RETURN_LISTEN_SOCKETS"
)

// ProxyOrder is the envelope for a single proxy mutation, nested inside a
// PROXY CommandRequest's Data field.
type ProxyOrder struct {
	Type ProxyOrderTag   `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewProxyOrder marshals data into a ProxyOrder of the given type.
func NewProxyOrder(typ ProxyOrderTag, data any) (ProxyOrder, error) {
	order := ProxyOrder{Type: typ}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return ProxyOrder{}, err
		}
		order.Data = b
	}
	return order, nil
}

// DecodeData unmarshals the order's Data into dst.
func (o ProxyOrder) DecodeData(dst any) error {
	if len(o.Data) == 0 {
		return nil
	}
	return json.Unmarshal(o.Data, dst)
}

// --- concrete payloads for each proxy sub-order ---

type ProxyProtocolMode string

const (
	ProxyProtocolNone       ProxyProtocolMode = "NONE"
	ProxyProtocolExpect     ProxyProtocolMode = "EXPECT"
	ProxyProtocolSendExpect ProxyProtocolMode = "SEND_EXPECT"
)

type LoadBalancingPolicy string

const (
	LBRoundRobin LoadBalancingPolicy = "ROUND_ROBIN"
	LBRandom     LoadBalancingPolicy = "RANDOM"
	LBLeastConns LoadBalancingPolicy = "LEAST_CONNECTIONS"
	LBPowerOf2   LoadBalancingPolicy = "POWER_OF_TWO"
)

type AddClusterData struct {
	ClusterID     string              `json:"cluster_id"`
	StickySession bool                `json:"sticky_session"`
	HTTPSRedirect bool                `json:"https_redirect"`
	ProxyProtocol *ProxyProtocolMode  `json:"proxy_protocol"`
	LoadBalancing LoadBalancingPolicy `json:"load_balancing"`
	Custom503Body string              `json:"custom_503_body,omitempty"`
}

type RemoveClusterData struct {
	ClusterID string `json:"cluster_id"`
	Cascade   bool   `json:"cascade"`
}

type PathRuleKind string

const (
	PathPrefix PathRuleKind = "PREFIX"
	PathRegex  PathRuleKind = "REGEX"
	PathEquals PathRuleKind = "EQUALS"
)

type PathRule struct {
	Kind  PathRuleKind `json:"kind"`
	Value string       `json:"value"`
}

type RouteKind string

const (
	RouteCluster RouteKind = "CLUSTER"
	RouteDeny    RouteKind = "DENY"
)

type Route struct {
	Kind      RouteKind `json:"kind"`
	ClusterID string    `json:"cluster_id,omitempty"`
}

type HTTPFrontendData struct {
	Address  string    `json:"address"`
	Hostname string    `json:"hostname"`
	Path     PathRule  `json:"path"`
	Method   string    `json:"method,omitempty"`
	Route    Route     `json:"route"`
}

type RemoveHTTPFrontendData = HTTPFrontendData

type TCPFrontendData struct {
	ClusterID string `json:"cluster_id"`
	Address   string `json:"address"`
}

type AddBackendData struct {
	ClusterID string `json:"cluster_id"`
	BackendID string `json:"backend_id"`
	Address   string `json:"address"`
	StickyID  string `json:"sticky_id,omitempty"`
	Backup    bool   `json:"backup"`
	Weight    int    `json:"weight"`
}

type RemoveBackendData struct {
	ClusterID string `json:"cluster_id"`
	BackendID string `json:"backend_id"`
}

type AddCertificateData struct {
	ListenerAddress string   `json:"listener_address"`
	Fingerprint     string   `json:"fingerprint"`
	Certificate     string   `json:"certificate"`
	Chain           []string `json:"chain,omitempty"`
	Key             string   `json:"key"`
	Versions        []string `json:"versions,omitempty"`
	Names           []string `json:"names,omitempty"`
	ExpiresAt       *int64   `json:"expires_at,omitempty"`
}

type ReplaceCertificateData struct {
	ListenerAddress string             `json:"listener_address"`
	OldFingerprint  string             `json:"old_fingerprint"`
	New             AddCertificateData `json:"new"`
}

type RemoveCertificateData struct {
	ListenerAddress string `json:"listener_address"`
	Fingerprint     string `json:"fingerprint"`
}

type ListenerKind string

const (
	ListenerHTTP  ListenerKind = "HTTP"
	ListenerHTTPS ListenerKind = "HTTPS"
	ListenerTCP   ListenerKind = "TCP"
)

type AddListenerData struct {
	Kind           ListenerKind `json:"kind"`
	Address        string       `json:"address"`
	PublicAddress  string       `json:"public_address,omitempty"`
	ExpectProxy    bool         `json:"expect_proxy"`
	StickyName     string       `json:"sticky_name,omitempty"`
	ConnectTimeout int          `json:"connect_timeout_ms,omitempty"`
	ClientTimeout  int          `json:"client_timeout_ms,omitempty"`
	ServerTimeout  int          `json:"server_timeout_ms,omitempty"`
	TLSVersions    []string     `json:"tls_versions,omitempty"`
	TLSCiphers     []string     `json:"tls_ciphers,omitempty"`
	Body404        string       `json:"body_404,omitempty"`
	Body503        string       `json:"body_503,omitempty"`
}

type RemoveListenerData struct {
	Address string `json:"address"`
}

type ActivateListenerData struct {
	Address string `json:"address"`
}

type DeactivateListenerData = ActivateListenerData

type LoggingData struct {
	Level string `json:"level"`
}

type MetricsAction string

const (
	MetricsEnable  MetricsAction = "ENABLE"
	MetricsDisable MetricsAction = "DISABLE"
	MetricsClear   MetricsAction = "CLEAR"
)

type MetricsData struct {
	Action MetricsAction `json:"action"`
}

type QueryTarget string

const (
	QueryClusters     QueryTarget = "CLUSTERS"
	QueryCertificates QueryTarget = "CERTIFICATES"
	QueryMetrics      QueryTarget = "METRICS"
)

type QueryData struct {
	Target QueryTarget `json:"target"`
	Filter string      `json:"filter,omitempty"`
}
