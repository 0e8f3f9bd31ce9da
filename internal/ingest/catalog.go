// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/davitacols/supawave-sub002/pos"
)

// LoadCatalog reads a YAML catalog seed file.
func LoadCatalog(path string) (*pos.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var c pos.Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	for i := range c.Products {
		if err := c.Products[i].Validate(); err != nil {
			return nil, err
		}
	}
	for i := range c.Customers {
		if err := c.Customers[i].Validate(); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

// catalogState is the server's authoritative stock, updated by accepted
// deliveries. Stock may go negative here when terminals oversell offline;
// snapshots clamp it to zero.
type catalogState struct {
	mu        sync.RWMutex
	products  map[string]pos.Product
	customers map[string]pos.Customer
}

func newCatalogState(seed *pos.Catalog) *catalogState {
	s := &catalogState{
		products:  make(map[string]pos.Product),
		customers: make(map[string]pos.Customer),
	}
	if seed == nil {
		return s
	}
	for _, p := range seed.Products {
		s.products[p.ID] = p
	}
	for _, c := range seed.Customers {
		s.customers[c.ID] = c
	}
	return s
}

func (s *catalogState) snapshot() *pos.Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := &pos.Catalog{
		Products:  make([]pos.Product, 0, len(s.products)),
		Customers: make([]pos.Customer, 0, len(s.customers)),
	}
	for _, p := range s.products {
		if p.StockQuantity < 0 {
			p.StockQuantity = 0
		}
		c.Products = append(c.Products, p)
	}
	for _, cu := range s.customers {
		c.Customers = append(c.Customers, cu)
	}
	sort.Slice(c.Products, func(i, j int) bool { return c.Products[i].ID < c.Products[j].ID })
	sort.Slice(c.Customers, func(i, j int) bool { return c.Customers[i].ID < c.Customers[j].ID })
	return c
}

func (s *catalogState) applySale(sale *pos.SaleRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, li := range sale.LineItems {
		if p, ok := s.products[li.ProductID]; ok {
			p.StockQuantity -= li.Quantity
			p.LastUpdated = sale.Timestamp
			s.products[li.ProductID] = p
		}
	}
	if sale.CustomerRef == "" {
		return
	}
	for id, c := range s.customers {
		if c.ID == sale.CustomerRef || c.Phone == sale.CustomerRef {
			c.TotalOrders++
			c.TotalSpent = c.TotalSpent.Add(sale.Total)
			c.LastUpdated = sale.Timestamp
			s.customers[id] = c
			return
		}
	}
}

func (s *catalogState) setStock(productID string, qty int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.products[productID]; ok {
		p.StockQuantity = qty
		p.LastUpdated = at
		s.products[productID] = p
	}
}

func (s *catalogState) adjustStock(productID string, delta int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.products[productID]; ok {
		p.StockQuantity += delta
		p.LastUpdated = at
		s.products[productID] = p
	}
}

func (s *catalogState) stock(productID string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[productID]
	return p.StockQuantity, ok
}
