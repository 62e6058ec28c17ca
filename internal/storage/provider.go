package storage

import "monkids/internal/ports"

// Provider is the storage contract used by the API and the worker.
type Provider = ports.StorageProvider
