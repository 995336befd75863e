package app

import (
	"log/slog"

	"github.com/odyssey-erp/retail-ledger/internal/conversion"
	"github.com/odyssey-erp/retail-ledger/internal/credit"
	"github.com/odyssey-erp/retail-ledger/internal/inventory"
	"github.com/odyssey-erp/retail-ledger/internal/ledger"
	"github.com/odyssey-erp/retail-ledger/internal/money"
	"github.com/odyssey-erp/retail-ledger/internal/observability"
	"github.com/odyssey-erp/retail-ledger/internal/sales"
	"github.com/odyssey-erp/retail-ledger/internal/settlement"
	"github.com/odyssey-erp/retail-ledger/internal/shared"
	"github.com/odyssey-erp/retail-ledger/internal/store"
)

// ServicesParams groups the infrastructure the ledger services run on.
type ServicesParams struct {
	Config  *Config
	Logger  *slog.Logger
	Store   store.Store
	Locker  shared.Locker
	Audit   shared.AuditPort
	Keys    shared.KeyStore
	Metrics *observability.Metrics
}

// Services is the wired ledger service graph shared by the server and worker.
type Services struct {
	Ledger     *ledger.Service
	Credit     *credit.Service
	Settlement *settlement.Service
	Inventory  *inventory.Service
	Sales      *sales.Service
	Conversion *conversion.Service

	logger *slog.Logger
	keys   shared.KeyStore
}

// NewServices wires every ledger service against one store.
func NewServices(p ServicesParams) (*Services, error) {
	cfg := p.Config
	if cfg == nil {
		cfg = &Config{Currency: "IDR", RetryAttempts: shared.DefaultRetryPolicy.Attempts, RetryBaseDelay: shared.DefaultRetryPolicy.BaseDelay}
	}
	logger := shared.LoggerOrDiscard(p.Logger)
	formatter, err := money.NewFormatter(cfg.Currency)
	if err != nil {
		return nil, err
	}
	metrics := p.Metrics.Ledger()
	retry := cfg.RetryPolicy()
	book := shared.NewBookkeeping(logger, p.Audit, metrics)

	ledgerSvc := ledger.NewService(p.Store, logger, metrics, ledger.ServiceConfig{
		AllowNegativeCash: cfg.AllowNegativeCash,
		Retry:             retry,
	})
	creditSvc := credit.NewService(p.Store, logger, metrics, retry)
	settleSvc := settlement.NewService(p.Store, ledgerSvc, creditSvc, book, logger, metrics, retry)
	invSvc := inventory.NewService(p.Store, book, logger, metrics, inventory.ServiceConfig{
		AllowNegativeStock: cfg.AllowNegativeStock,
		Retry:              retry,
	})
	salesSvc := sales.NewService(sales.Dependencies{
		Store:      p.Store,
		Ledger:     ledgerSvc,
		Settlement: settleSvc,
		Inventory:  invSvc,
		Locker:     p.Locker,
		Book:       book,
		Logger:     logger,
		Metrics:    metrics,
		Formatter:  formatter,
		Retry:      retry,
	})
	convSvc := conversion.NewService(conversion.Dependencies{
		Store:       p.Store,
		Ledger:      ledgerSvc,
		Credit:      creditSvc,
		Settlement:  settleSvc,
		Inventory:   invSvc,
		Locker:      p.Locker,
		Book:        book,
		Logger:      logger,
		Metrics:     metrics,
		Retry:       retry,
		StepTimeout: cfg.StepTimeout,
	})
	return &Services{
		Ledger:     ledgerSvc,
		Credit:     creditSvc,
		Settlement: settleSvc,
		Inventory:  invSvc,
		Sales:      salesSvc,
		Conversion: convSvc,
		logger:     logger,
		keys:       p.Keys,
	}, nil
}

// RouterParams fills the handler fields of a RouterParams.
func (s *Services) RouterParams(cfg *Config, metrics *observability.Metrics) RouterParams {
	return RouterParams{
		Logger:            s.logger,
		Config:            cfg,
		LedgerHandler:     ledger.NewHandler(s.logger, s.Ledger, s.keys),
		CreditHandler:     credit.NewHandler(s.logger, s.Credit),
		SettlementHandler: settlement.NewHandler(s.logger, s.Settlement),
		InventoryHandler:  inventory.NewHandler(s.logger, s.Inventory),
		SalesHandler:      sales.NewHandler(s.logger, s.Sales),
		ConversionHandler: conversion.NewHandler(s.logger, s.Conversion),
		Metrics:           metrics,
	}
}
