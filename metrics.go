package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
)

// Metrics holds every Prometheus instrument the broker exposes.
type Metrics struct {
	ConnectedClients prometheus.Gauge
	ConnectionsTotal prometheus.Counter
	MessageReceived  prometheus.Counter
	MessageSent      prometheus.Counter

	AuthRequests       prometheus.Counter
	AuthAttemptsTotal  *prometheus.CounterVec
	AuthAttempsSuccess *prometheus.CounterVec
	AuthAttempsFail    *prometheus.CounterVec

	TransferAttemptsTotal   prometheus.Counter
	TransferAttemptsSuccess prometheus.Counter
	TransferAttemptsFail    prometheus.Counter

	Channels    *prometheus.GaugeVec
	AppSessions *prometheus.GaugeVec

	RPCRequests *prometheus.CounterVec

	BrokerBalanceAvailable *prometheus.GaugeVec
	BrokerChannelCount     *prometheus.GaugeVec

	BrokerWalletBalance *prometheus.GaugeVec
}

// NewMetrics registers every instrument against the default Prometheus
// registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(nil)
}

// NewMetricsWithRegistry registers every instrument against registry,
// falling back to the default registry when nil (used by tests that want
// an isolated registry per run).
func NewMetricsWithRegistry(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clearnet_connected_clients",
			Help: "The current number of connected clients",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "clearnet_connections_total",
			Help: "The total number of WebSocket connections made since server start",
		}),
		MessageReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "clearnet_ws_messages_received_total",
			Help: "The total number of WebSocket messages received",
		}),
		MessageSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "clearnet_ws_messages_sent_total",
			Help: "The total number of WebSocket messages sent",
		}),
		AuthRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "clearnet_auth_requests_total",
			Help: "The total number of auth_requests (get challenge code)",
		}),
		AuthAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clearnet_auth_attempts_total",
				Help: "The total number of authentication attempts",
			},
			[]string{"auth_method"},
		),
		AuthAttempsSuccess: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clearnet_auth_attempts_success",
				Help: "The total number of successfull authentication attempts",
			},
			[]string{"auth_method"},
		),
		AuthAttempsFail: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clearnet_auth_attempts_fail",
				Help: "The total number of failed authentication attempts",
			},
			[]string{"auth_method"},
		),
		TransferAttemptsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "clearnet_transfer_attempts_total",
			Help: "The total number of transfer attempts",
		}),
		TransferAttemptsSuccess: factory.NewCounter(prometheus.CounterOpts{
			Name: "clearnet_transfer_attempts_success",
			Help: "The total number of successful transfer attempts",
		}),
		TransferAttemptsFail: factory.NewCounter(prometheus.CounterOpts{
			Name: "clearnet_transfer_attempts_fail",
			Help: "The total number of failed transfer attempts",
		}),
		Channels: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearnet_channels",
			Help: "The number of channels",
		}, []string{"status"}),
		AppSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearnet_app_sessions",
			Help: "The number of application sessions",
		}, []string{"status"}),
		RPCRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clearnet_rpc_requests_total",
				Help: "The total number of RPC requests by method",
			},
			[]string{"method", "status"},
		),
		BrokerBalanceAvailable: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "clearnet_broker_balance_available",
				Help: "Available balance of the broker on the custody contract",
			},
			[]string{"blockchainID", "token", "asset"},
		),
		BrokerChannelCount: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "clearnet_broker_channel_count",
				Help: "Number of channels for the broker on the custody contract",
			},
			[]string{"blockchainID"},
		),
		BrokerWalletBalance: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "clearnet_broker_wallet_balance",
				Help: "Broker wallet balance",
			},
			[]string{"blockchainID", "token", "asset"},
		),
	}
}

// RecordMetricsPeriodically runs the broker's two metric-refresh loops
// (database-derived gauges, and on-chain balance gauges) until the process
// exits.
func (m *Metrics) RecordMetricsPeriodically(db *gorm.DB, custodyClients map[uint32]*Custody, logger Logger) {
	logger = logger.NewSystem("metrics")

	dbTicker := time.NewTicker(15 * time.Second)
	defer dbTicker.Stop()
	balanceTicker := time.NewTicker(30 * time.Second)
	defer balanceTicker.Stop()

	for {
		select {
		case <-dbTicker.C:
			m.UpdateChannelMetrics(db, logger)
			m.UpdateAppSessionMetrics(db, logger)
		case <-balanceTicker.C:
			ctx := SetContextLogger(context.Background(), logger)
			for _, custodyClient := range custodyClients {
				custodyClient.UpdateBalanceMetrics(ctx, m)
			}
		}
	}
}

type statusCount struct {
	Status string
	Count  int64
}

// countByStatus groups model's rows by status and reports the count of
// each.
func countByStatus(db *gorm.DB, model any) ([]statusCount, error) {
	var results []statusCount
	err := db.Model(model).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&results).Error
	return results, err
}

func (m *Metrics) UpdateChannelMetrics(db *gorm.DB, logger Logger) {
	results, err := countByStatus(db, &Channel{})
	if err != nil {
		logger.Error("failed to update channel metrics", "error", err)
		return
	}

	m.Channels.Reset()
	for _, row := range results {
		m.Channels.WithLabelValues(row.Status).Set(float64(row.Count))
	}
}

func (m *Metrics) UpdateAppSessionMetrics(db *gorm.DB, logger Logger) {
	results, err := countByStatus(db, &AppSession{})
	if err != nil {
		logger.Error("failed to update app session metrics", "error", err)
		return
	}

	m.AppSessions.Reset()
	for _, row := range results {
		m.AppSessions.WithLabelValues(row.Status).Set(float64(row.Count))
	}
}
