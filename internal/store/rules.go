package store

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/devproxy/devproxy/internal/matcher"
	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/util"
)

// ruleList is the ordered rule collection shared by every backend. It is
// not safe for concurrent use; backends hold their own lock around it.
type ruleList struct {
	rules []models.Rule
}

func (l *ruleList) index(id string) int {
	for i, rule := range l.rules {
		if rule.Meta().ID == id {
			return i
		}
	}
	return -1
}

// all returns copies of every rule sorted by order, ties in insertion order
func (l *ruleList) all() ([]models.Rule, error) {
	out := make([]models.Rule, 0, len(l.rules))
	for _, rule := range l.rules {
		c, err := models.CloneRule(rule)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Meta().Order < out[j].Meta().Order
	})
	return out, nil
}

func (l *ruleList) activeOrdered() ([]models.Rule, error) {
	all, err := l.all()
	if err != nil {
		return nil, err
	}
	return matcher.Ordered(all), nil
}

func (l *ruleList) get(id string) (models.Rule, error) {
	i := l.index(id)
	if i < 0 {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return models.CloneRule(l.rules[i])
}

// add stores a copy of rule, assigning an id and a trailing order when unset
func (l *ruleList) add(rule models.Rule) error {
	meta := rule.Meta()
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	} else if l.index(meta.ID) >= 0 {
		return util.NewValidationError(fmt.Sprintf("rule %s already exists", meta.ID), meta.ID)
	}
	if meta.Order == 0 {
		meta.Order = l.nextOrder()
	}

	c, err := models.CloneRule(rule)
	if err != nil {
		return err
	}
	l.rules = append(l.rules, c)
	return nil
}

func (l *ruleList) update(rule models.Rule) error {
	i := l.index(rule.Meta().ID)
	if i < 0 {
		return fmt.Errorf("rule %s: %w", rule.Meta().ID, ErrNotFound)
	}
	c, err := models.CloneRule(rule)
	if err != nil {
		return err
	}
	l.rules[i] = c
	return nil
}

func (l *ruleList) delete(id string) error {
	i := l.index(id)
	if i < 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	l.rules = append(l.rules[:i], l.rules[i+1:]...)
	return nil
}

// reorder assigns order 1..n following ids. Rules not named keep their
// relative position after the named ones.
func (l *ruleList) reorder(ids []string) error {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if l.index(id) < 0 {
			return fmt.Errorf("rule %s: %w", id, ErrNotFound)
		}
		if seen[id] {
			return util.NewValidationError(fmt.Sprintf("rule %s listed twice", id), id)
		}
		seen[id] = true
	}

	next := 1
	for _, id := range ids {
		l.rules[l.index(id)].Meta().Order = next
		next++
	}
	rest := make([]models.Rule, 0, len(l.rules))
	for _, rule := range l.rules {
		if !seen[rule.Meta().ID] {
			rest = append(rest, rule)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		return rest[i].Meta().Order < rest[j].Meta().Order
	})
	for _, rule := range rest {
		rule.Meta().Order = next
		next++
	}
	return nil
}

func (l *ruleList) nextOrder() int {
	max := 0
	for _, rule := range l.rules {
		if o := rule.Meta().Order; o > max {
			max = o
		}
	}
	return max + 1
}
