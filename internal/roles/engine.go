package roles

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"go.uber.org/ratelimit"
	"gopkg.in/fatih/set.v0"
	"moff.io/moff-vault/internal/chains"
	"moff.io/moff-vault/internal/config"
	"moff.io/moff-vault/internal/databus"
	"moff.io/moff-vault/internal/guild"
	"moff.io/moff-vault/pkg/concurrent"
	"moff.io/moff-vault/pkg/errors"
	"moff.io/moff-vault/pkg/log"
)

var (
	ErrRuleNameRequired = errors.New("role name required")
	ErrAmountRequired   = errors.New("amount required")
	ErrRuleExists       = errors.New("role already exists")
	ErrBindingChanged   = errors.New("binding changed during reconciliation")
)

// RoleSpec describes a platform role to create for a rule.
type RoleSpec struct {
	Name  string
	Color int
	Emoji string
}

// Platform is the chat platform's role API.
type Platform interface {
	MemberRoles(ctx context.Context, guildID, userID string) ([]string, error)
	AddMemberRole(ctx context.Context, guildID, userID, roleID string) error
	RemoveMemberRole(ctx context.Context, guildID, userID, roleID string) error
	CreateRole(ctx context.Context, guildID string, role RoleSpec) (string, error)
	DeleteRole(ctx context.Context, guildID, roleID string) error
}

type BalanceSource interface {
	Balance(ctx context.Context, chainID int64, wallet, vault string) (*chains.Balance, error)
}

// Watcher follows new blocks of a chain. Calls are reference counted.
type Watcher interface {
	Watch(chainID int64)
	Unwatch(chainID int64)
}

// Result describes one reconciliation. Rule names are listed per outcome.
type Result struct {
	Balance *chains.Balance
	Granted []string
	Revoked []string
	Failed  []string
}

// Changed reports whether any role was mutated.
func (r *Result) Changed() bool {
	return len(r.Granted)+len(r.Revoked) > 0
}

// Engine keeps platform roles in line with the on-chain balance of bound users.
type Engine struct {
	guilds   *guild.Registry
	table    *chains.Table
	platform Platform
	balances BalanceSource
	watcher  Watcher
	bus      databus.Publisher

	limiter concurrent.Limiter
	pace    ratelimit.Limiter
	sched   *passScheduler
	now     func() time.Time
}

func NewEngine(guilds *guild.Registry, table *chains.Table, platform Platform, balances BalanceSource, watcher Watcher, bus databus.Publisher) *Engine {
	if bus == nil {
		bus = databus.Nop{}
	}
	e := &Engine{
		guilds:   guilds,
		table:    table,
		platform: platform,
		balances: balances,
		watcher:  watcher,
		bus:      bus,
		limiter:  concurrent.NewLimiter(4),
		pace:     ratelimit.NewUnlimited(),
		now:      time.Now,
	}
	e.sched = newPassScheduler(1024, func(ctx context.Context, guildID string) {
		if err := e.ReconcileAll(ctx, guildID); err != nil {
			log.Warnf("reconcile guild %v: %v", guildID, err)
		}
	})
	return e
}

// Apply sizes the per-pass concurrency and the platform pacing.
func (e *Engine) Apply(c *config.Configuration) {
	e.limiter = concurrent.NewLimiter(c.Roles.Concurrency)
	if c.Roles.PlatformRPS > 0 {
		e.pace = ratelimit.New(c.Roles.PlatformRPS)
	}
}

// Start runs the block-triggered pass scheduler until ctx is done.
func (e *Engine) Start(ctx context.Context) {
	e.sched.Start(ctx)
}

// Wait blocks until every scheduled pass has finished.
func (e *Engine) Wait() {
	e.sched.Wait()
}

// Track starts following the chain of a newly created guild.
func (e *Engine) Track(gc *guild.Context) {
	e.watcher.Watch(gc.ChainID())
}

// Untrack stops following chainID for a removed guild.
func (e *Engine) Untrack(chainID int64) {
	e.watcher.Unwatch(chainID)
}

// OnBlock schedules a pass for every guild on chainID.
func (e *Engine) OnBlock(chainID int64, number uint64) {
	guilds := e.guilds.OnChain(chainID)
	log.Debugf("block %d on chain %d, %d guilds to reconcile", number, chainID, len(guilds))
	for _, gc := range guilds {
		e.sched.Enqueue(gc.ID())
	}
}

// Schedule queues a coalesced pass for the guild.
func (e *Engine) Schedule(guildID string) {
	e.sched.Enqueue(guildID)
}

// Reconcile grants every rule role the user's balance reaches and revokes the
// ones it no longer does. Each rule is handled on its own and a failed
// mutation does not stop the others.
func (e *Engine) Reconcile(ctx context.Context, guildID, userID string) (*Result, error) {
	gc, err := e.guilds.Get(guildID)
	if err != nil {
		return nil, err
	}
	binding, err := gc.Binding(ctx, userID)
	if err != nil {
		return nil, err
	}
	chainID := gc.ChainID()
	balance, err := e.balances.Balance(ctx, chainID, binding.WalletAddress, binding.VaultAddress)
	if err != nil {
		return nil, errors.Wrapf(err, "balance of user %v", userID)
	}
	heldIDs, err := e.platform.MemberRoles(ctx, guildID, userID)
	if err != nil {
		return nil, errors.Wrapf(err, "roles of user %v", userID)
	}

	// rules and binding are read after the awaits so a pass acts on fresh state
	rules, err := gc.Rules(ctx)
	if err != nil {
		return nil, err
	}
	current, err := gc.Binding(ctx, userID)
	if err != nil {
		return nil, err
	}
	if *current != *binding || gc.ChainID() != chainID {
		return nil, ErrBindingChanged
	}

	held := set.New(set.NonThreadSafe)
	for _, id := range heldIDs {
		held.Add(id)
	}
	result := &Result{Balance: balance}
	for _, rule := range rules {
		cmp, err := chains.CompareAmount(balance.Total, rule.ThresholdAmount, balance.Decimals)
		if err != nil {
			log.Warnf("rule %v of guild %v has bad threshold %q: %v", rule.Name, guildID, rule.ThresholdAmount, err)
			continue
		}
		deserved := cmp >= 0
		switch {
		case deserved && !held.Has(rule.RoleID):
			e.mutate(ctx, gc.ID(), userID, rule, balance, true, result)
		case !deserved && held.Has(rule.RoleID):
			e.mutate(ctx, gc.ID(), userID, rule, balance, false, result)
		}
	}
	if result.Changed() {
		log.Infof("user %v in guild %v holds %v %v: granted %v revoked %v",
			userID, guildID, balance, balance.Symbol, result.Granted, result.Revoked)
	}
	return result, nil
}

func (e *Engine) mutate(ctx context.Context, guildID, userID string, rule guild.RoleRule, balance *chains.Balance, grant bool, result *Result) {
	e.pace.Take()
	var err error
	eventType := databus.RoleGranted
	if grant {
		err = e.platform.AddMemberRole(ctx, guildID, userID, rule.RoleID)
	} else {
		eventType = databus.RoleRevoked
		err = e.platform.RemoveMemberRole(ctx, guildID, userID, rule.RoleID)
	}
	if err != nil {
		log.Warnf("%v role %v for user %v in guild %v: %v", eventType, rule.Name, userID, guildID, err)
		result.Failed = append(result.Failed, rule.Name)
		return
	}
	if grant {
		result.Granted = append(result.Granted, rule.Name)
	} else {
		result.Revoked = append(result.Revoked, rule.Name)
	}
	ev := databus.RoleEvent{
		Type:     eventType,
		GuildID:  guildID,
		UserID:   userID,
		RoleID:   rule.RoleID,
		RuleName: rule.Name,
		At:       e.now(),
	}
	if balance != nil {
		ev.Balance = balance.String()
	}
	if err := e.bus.Publish(ev); err != nil {
		log.Warnf("publish role event: %v", err)
	}
}

// ReconcileAll reconciles every persisted binding of the guild. Failures are
// logged per user and never stop the pass.
func (e *Engine) ReconcileAll(ctx context.Context, guildID string) error {
	gc, err := e.guilds.Get(guildID)
	if err != nil {
		return err
	}
	bindings, err := gc.Bindings(ctx)
	if err != nil {
		return errors.Wrapf(err, "list bindings of guild %v", guildID)
	}
	var wg sync.WaitGroup
	for _, b := range bindings {
		if err := e.limiter.Add(ctx); err != nil {
			break
		}
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			defer e.limiter.Done()
			if _, err := e.Reconcile(ctx, guildID, userID); err != nil && !errors.Is(err, guild.ErrNotFound) {
				log.Warnf("reconcile user %v in guild %v skipped: %v", userID, guildID, err)
			}
		}(b.UserID)
	}
	wg.Wait()
	return ctx.Err()
}

// OnChainNetworkChange moves the guild to chainID, follows its blocks and
// reconciles everyone at once.
func (e *Engine) OnChainNetworkChange(ctx context.Context, guildID string, chainID int64) error {
	if _, err := e.table.Get(chainID); err != nil {
		return err
	}
	gc, err := e.guilds.Get(guildID)
	if err != nil {
		return err
	}
	if old := gc.SetChainID(chainID); old != chainID {
		e.watcher.Watch(chainID)
		e.watcher.Unwatch(old)
		log.Infof("guild %v moved from chain %d to %d", guildID, old, chainID)
	}
	return e.ReconcileAll(ctx, guildID)
}

// RevokeAll removes every rule role the user holds.
func (e *Engine) RevokeAll(ctx context.Context, guildID, userID string) (*Result, error) {
	gc, err := e.guilds.Get(guildID)
	if err != nil {
		return nil, err
	}
	rules, err := gc.Rules(ctx)
	if err != nil {
		return nil, err
	}
	heldIDs, err := e.platform.MemberRoles(ctx, guildID, userID)
	if err != nil {
		return nil, errors.Wrapf(err, "roles of user %v", userID)
	}
	held := set.New(set.NonThreadSafe)
	for _, id := range heldIDs {
		held.Add(id)
	}
	result := &Result{}
	for _, rule := range rules {
		if held.Has(rule.RoleID) {
			e.mutate(ctx, guildID, userID, rule, nil, false, result)
		}
	}
	return result, nil
}

// CreateRule creates the platform role and persists the rule together.
func (e *Engine) CreateRule(ctx context.Context, guildID string, rule guild.RoleRule) (*guild.RoleRule, error) {
	if rule.Name == "" {
		return nil, ErrRuleNameRequired
	}
	if rule.ThresholdAmount == "" {
		return nil, ErrAmountRequired
	}
	gc, err := e.guilds.Get(guildID)
	if err != nil {
		return nil, err
	}
	chain, err := e.table.Get(gc.ChainID())
	if err != nil {
		return nil, err
	}
	if _, err := chains.ParseUnits(rule.ThresholdAmount, chain.Decimals); err != nil {
		return nil, err
	}
	if _, err := gc.Rule(ctx, rule.Name); err == nil {
		return nil, ErrRuleExists
	} else if !errors.Is(err, guild.ErrNotFound) {
		return nil, err
	}
	roleID, err := e.platform.CreateRole(ctx, guildID, RoleSpec{Name: rule.Name, Color: rule.Color, Emoji: rule.Emoji})
	if err != nil {
		return nil, errors.Wrapf(err, "create role %v", rule.Name)
	}
	rule.RoleID = roleID
	if err := gc.SetRule(ctx, rule); err != nil {
		if derr := e.platform.DeleteRole(ctx, guildID, roleID); derr != nil {
			log.Errorf("roll back role %v of guild %v: %v", roleID, guildID, derr)
		}
		return nil, errors.Wrapf(err, "persist rule %v", rule.Name)
	}
	log.Infof("rule %v (%v) created in guild %v", rule.Name, rule.ThresholdAmount, guildID)
	e.Schedule(guildID)
	return &rule, nil
}

// DeleteRule removes the rule and its platform role.
func (e *Engine) DeleteRule(ctx context.Context, guildID, name string) (*guild.RoleRule, error) {
	if name == "" {
		return nil, ErrRuleNameRequired
	}
	gc, err := e.guilds.Get(guildID)
	if err != nil {
		return nil, err
	}
	rule, err := gc.Rule(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := gc.DeleteRule(ctx, name); err != nil {
		return nil, err
	}
	if err := e.platform.DeleteRole(ctx, guildID, rule.RoleID); err != nil {
		return rule, errors.Wrapf(err, "delete role %v", rule.RoleID)
	}
	log.Infof("rule %v deleted from guild %v", name, guildID)
	e.Schedule(guildID)
	return rule, nil
}

// Ladder returns the guild's rules by threshold, highest first.
func (e *Engine) Ladder(ctx context.Context, guildID string) ([]guild.RoleRule, error) {
	gc, err := e.guilds.Get(guildID)
	if err != nil {
		return nil, err
	}
	rules, err := gc.Rules(ctx)
	if err != nil {
		return nil, err
	}
	decimals := 18
	if chain, err := e.table.Get(gc.ChainID()); err == nil {
		decimals = chain.Decimals
	}
	sortByThreshold(rules, decimals)
	return rules, nil
}

// HeldRules lists the rules whose role the user holds, highest first.
func (e *Engine) HeldRules(ctx context.Context, guildID, userID string) ([]guild.RoleRule, error) {
	rules, err := e.Ladder(ctx, guildID)
	if err != nil {
		return nil, err
	}
	heldIDs, err := e.platform.MemberRoles(ctx, guildID, userID)
	if err != nil {
		return nil, err
	}
	held := set.New(set.NonThreadSafe)
	for _, id := range heldIDs {
		held.Add(id)
	}
	var list []guild.RoleRule
	for _, r := range rules {
		if held.Has(r.RoleID) {
			list = append(list, r)
		}
	}
	return list, nil
}

func sortByThreshold(rules []guild.RoleRule, decimals int) {
	amounts := make(map[string]*big.Int, len(rules))
	for _, r := range rules {
		if v, err := chains.ParseUnits(r.ThresholdAmount, decimals); err == nil {
			amounts[r.Name] = v
		}
	}
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := amounts[rules[i].Name], amounts[rules[j].Name]
		if a == nil || b == nil {
			return a != nil
		}
		return a.Cmp(b) > 0
	})
}
