package handlers

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hausmate/bursar/internal/consent"
	"github.com/hausmate/bursar/internal/events"
	"github.com/hausmate/bursar/internal/hsi"
	"github.com/hausmate/bursar/internal/ledger"
	"github.com/hausmate/bursar/internal/payments"
	"github.com/hausmate/bursar/internal/reconcile"
	"github.com/hausmate/bursar/pkg/logging"
)

var (
	db             *sql.DB
	logger         logging.Logger
	metrics        *BursarMetrics
	cycles         *ledger.CycleManager
	billGen        *ledger.BillGenerator
	allocator      *ledger.Allocator
	hsiEngine      *hsi.Engine
	processor      *payments.Processor
	consentMachine *consent.Machine
	reconciler     *reconcile.WebhookReconciler
	emitter        *events.Emitter
	webhookSecret  string
)

// BursarMetrics holds all Prometheus metrics for Bursar
type BursarMetrics struct {
	CycleOperations   *prometheus.CounterVec
	PaymentsSubmitted *prometheus.CounterVec
	WebhookEvents     *prometheus.CounterVec
	ChargesAllocated  prometheus.Counter
}

// Engines bundles the domain engines the handlers dispatch to.
type Engines struct {
	Cycles     *ledger.CycleManager
	BillGen    *ledger.BillGenerator
	Allocator  *ledger.Allocator
	HSI        *hsi.Engine
	Processor  *payments.Processor
	Consent    *consent.Machine
	Reconciler *reconcile.WebhookReconciler
	Emitter    *events.Emitter
}

// Init initializes the handlers with database, logger, metrics and engines
func Init(database *sql.DB, log logging.Logger, bursarMetrics *BursarMetrics, engines Engines, stripeWebhookSecret string) {
	db = database
	logger = log
	metrics = bursarMetrics
	cycles = engines.Cycles
	billGen = engines.BillGen
	allocator = engines.Allocator
	hsiEngine = engines.HSI
	processor = engines.Processor
	consentMachine = engines.Consent
	reconciler = engines.Reconciler
	emitter = engines.Emitter
	webhookSecret = stripeWebhookSecret
}
