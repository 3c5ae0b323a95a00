package grove

import "sync/atomic"

type ExportStat struct {
	PageCacheHit    uint64
	PageCacheMis    uint64
	TxCommitCount   uint64
	TxCommitSumTs   uint64
	TxRollbackCount uint64
	ReadTxCount     uint64
	ReclaimedBytes  uint64
	AppendedBytes   uint64
}

type iStat struct {
	pageCacheHit    atomic.Uint64
	pageCacheMis    atomic.Uint64
	txCommitCount   atomic.Uint64
	txCommitSumTs   atomic.Uint64
	txRollbackCount atomic.Uint64
	readTxCount     atomic.Uint64
	reclaimedBytes  atomic.Uint64
	appendedBytes   atomic.Uint64
}

func (s *iStat) export() ExportStat {
	return ExportStat{
		PageCacheHit:    s.pageCacheHit.Load(),
		PageCacheMis:    s.pageCacheMis.Load(),
		TxCommitCount:   s.txCommitCount.Load(),
		TxCommitSumTs:   s.txCommitSumTs.Load(),
		TxRollbackCount: s.txRollbackCount.Load(),
		ReadTxCount:     s.readTxCount.Load(),
		ReclaimedBytes:  s.reclaimedBytes.Load(),
		AppendedBytes:   s.appendedBytes.Load(),
	}
}
