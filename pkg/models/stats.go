package models

// Stats summarises the local index and the ledger.
type Stats struct {
	TotalFolders   int64
	TotalFiles     int64
	TotalSize      int64
	TrashedFolders int64
	TrashedFiles   int64
	TrashedSize    int64
	StarredItems   int64

	UploadedTransfers int64
	UploadedSize      int64
	FailedTransfers   int64
	PendingTransfers  int64
	PendingTombstones int64 // remote deletions still owed
}
