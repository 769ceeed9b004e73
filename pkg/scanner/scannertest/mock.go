// Package scannertest provides test doubles for scanner plugins.
package scannertest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
	"github.com/awslabs/automated-security-helper-sub041/pkg/scanner"
)

// MockPlugin is a mock implementation of the scanner.Plugin interface
type MockPlugin struct {
	mock.Mock
}

func (m *MockPlugin) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockPlugin) Type() finding.ScannerType {
	args := m.Called()
	return args.Get(0).(finding.ScannerType)
}

func (m *MockPlugin) Configure(cfg scanner.Config) error {
	args := m.Called(cfg)
	return args.Error(0)
}

func (m *MockPlugin) Validate(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *MockPlugin) Scan(ctx context.Context, target string, opts map[string]any) (*scanner.ScanResult, error) {
	args := m.Called(ctx, target, opts)
	res, _ := args.Get(0).(*scanner.ScanResult)
	return res, args.Error(1)
}

// FuncPlugin is a plugin whose Scan behaviour is supplied as a function.
type FuncPlugin struct {
	PluginName string
	PluginType finding.ScannerType
	ScanFunc   func(ctx context.Context, target string, opts map[string]any) (*scanner.ScanResult, error)

	Configured []scanner.Config
}

func (p *FuncPlugin) Name() string { return p.PluginName }

func (p *FuncPlugin) Type() finding.ScannerType {
	if p.PluginType == "" {
		return finding.ScannerTypeCustom
	}
	return p.PluginType
}

func (p *FuncPlugin) Configure(cfg scanner.Config) error {
	p.Configured = append(p.Configured, cfg)
	return nil
}

func (p *FuncPlugin) Validate(context.Context) (bool, error) { return true, nil }

func (p *FuncPlugin) Scan(ctx context.Context, target string, opts map[string]any) (*scanner.ScanResult, error) {
	if p.ScanFunc == nil {
		return &scanner.ScanResult{ScannerName: p.PluginName, ScannerType: p.Type(), Target: target}, nil
	}
	return p.ScanFunc(ctx, target, opts)
}
