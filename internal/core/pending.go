package core

import "sync"

// PendingFolders holds evidence folders waiting for the driver to recover
// before they are handed to the upload coordinator. Order is push order.
type PendingFolders struct {
	mu      sync.Mutex
	folders []string
}

// Push appends a folder
func (p *PendingFolders) Push(folder string) {
	p.mu.Lock()
	p.folders = append(p.folders, folder)
	p.mu.Unlock()
}

// Remove deletes every occurrence of folder and reports whether one was found
func (p *PendingFolders) Remove(folder string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.folders[:0]
	found := false
	for _, f := range p.folders {
		if f == folder {
			found = true
			continue
		}
		kept = append(kept, f)
	}
	p.folders = kept
	return found
}

// Top returns the most recently pushed folder
func (p *PendingFolders) Top() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.folders) == 0 {
		return "", false
	}
	return p.folders[len(p.folders)-1], true
}

// DrainAll empties the collection and returns its folders in push order
func (p *PendingFolders) DrainAll() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := p.folders
	p.folders = nil
	return out
}

// Len returns the number of pending folders
func (p *PendingFolders) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.folders)
}
