package storage

import (
	"context"

	"e2ee-directory/internal/domain"
	"e2ee-directory/internal/kv"
)

// Pager is a lazy, restartable cursor over all accounts. Pages are fetched
// on demand and are individually consistent; entries mutated after their
// page was read are not revisited, and no lock is held across pages.
type Pager struct {
	accounts   *Accounts
	pageSize   int
	segment    int
	ofSegments int
	after      string
	done       bool
}

// GetAll enumerates every account, page by page.
func (a *Accounts) GetAll(pageSize int) *Pager {
	return &Pager{accounts: a, pageSize: pageSize}
}

// GetAllSegment enumerates one of ofSegments key-hash partitions, so batch
// jobs can run partitions concurrently without coordination.
func (a *Accounts) GetAllSegment(segment, ofSegments, pageSize int) *Pager {
	return &Pager{accounts: a, pageSize: pageSize, segment: segment, ofSegments: ofSegments}
}

// ResumeAll restarts an enumeration from a token returned by ResumeToken.
func (a *Accounts) ResumeAll(pageSize int, token string) *Pager {
	return &Pager{accounts: a, pageSize: pageSize, after: token}
}

// ResumeToken returns the cursor position; feeding it to ResumeAll continues
// the scan after the last account the pager yielded.
func (p *Pager) ResumeToken() string { return p.after }

// Next returns the next page of accounts, or (nil, nil) once the scan is
// exhausted. A record that cannot be deserialized fails its page; it is
// never silently skipped.
func (p *Pager) Next(ctx context.Context) ([]*domain.Account, error) {
	if p.done {
		return nil, nil
	}

	var (
		items []kv.Item
		err   error
	)
	if p.ofSegments > 0 {
		items, err = p.accounts.kv.ScanSegment(ctx, tableAccounts, p.segment, p.ofSegments, p.after, p.pageSize)
	} else {
		items, err = p.accounts.kv.Scan(ctx, tableAccounts, p.after, p.pageSize)
	}
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		p.done = true
		return nil, nil
	}

	page := make([]*domain.Account, 0, len(items))
	for i := range items {
		account, err := decodeAccount(&items[i])
		if err != nil {
			return nil, err
		}
		page = append(page, account)
	}
	p.after = items[len(items)-1].Key
	if len(items) < p.pageSize {
		p.done = true
	}
	return page, nil
}
