package site

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hitoshi/loginkeeper/internal/security"
)

// FlowRegistry はサイトIDからAuthFlowを引く。
// フローは起動時に自身を登録し、オーケストレーターは参照だけを行う。
type FlowRegistry struct {
	mu    sync.RWMutex
	flows map[string]AuthFlow
}

// NewFlowRegistry は空のFlowRegistryを生成する。
func NewFlowRegistry() *FlowRegistry {
	return &FlowRegistry{flows: make(map[string]AuthFlow)}
}

// Register はサイトのフローを登録する。同じサイトへの二重登録はエラー。
func (r *FlowRegistry) Register(siteID string, flow AuthFlow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.flows[siteID]; exists {
		return fmt.Errorf("auth flow for site %q already registered", siteID)
	}
	r.flows[siteID] = flow
	return nil
}

// Get はサイトのフローを返す。
func (r *FlowRegistry) Get(siteID string) (AuthFlow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flows[siteID]
	return f, ok
}

// SiteIDs は登録済みのサイトIDをソートして返す。
func (r *FlowRegistry) SiteIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.flows))
	for id := range r.flows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RegisterFormFlows は認証が必要でflowがformのサイトにFormFlowを登録する。
// 専用フローを持つサイトは、この呼び出しの前に登録しておくこと。
func RegisterFormFlows(sites *Registry, flows *FlowRegistry, sanitizer security.TextSanitizerService) error {
	for _, s := range sites.Sites() {
		if !s.RequiresAuth || s.flowName() != FlowForm {
			continue
		}
		if _, exists := flows.Get(s.ID); exists {
			continue
		}
		if err := flows.Register(s.ID, NewFormFlow(s, sanitizer)); err != nil {
			return err
		}
	}
	return nil
}
