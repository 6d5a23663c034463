package apply

import (
	"errors"
	"fmt"

	"votedb/pkg/entry"
	"votedb/pkg/iterator"
	"votedb/pkg/kv"
	"votedb/pkg/merge"
	"votedb/pkg/metrics"
	"votedb/pkg/schema"
	"votedb/pkg/types"
)

// batchStats is reported to metrics only once the batch is committed.
type batchStats struct {
	applied map[string]int
	skipped map[string]int
}

func (s *batchStats) apply(kind string) {
	if s.applied == nil {
		s.applied = make(map[string]int)
	}
	s.applied[kind]++
}

func (s *batchStats) skip(reason string) {
	if s.skipped == nil {
		s.skipped = make(map[string]int)
	}
	s.skipped[reason]++
}

func (s *batchStats) report(m *metrics.ApplyMetrics) {
	for kind, n := range s.applied {
		m.Applied.WithLabelValues(kind).Add(float64(n))
	}
	for reason, n := range s.skipped {
		m.Skipped.WithLabelValues(reason).Add(float64(n))
	}
}

func (e *Engine) applyBatch(tx kv.Tx, batch []*merge.Pending, stats *batchStats) error {
	checkpoints := make(map[types.WriterID]types.SeqN)
	var clock types.Clock

	for _, p := range batch {
		if err := e.applyOne(tx, p, stats); err != nil {
			return fmt.Errorf("apply %s/%d: %w", p.Writer, p.Seq, err)
		}
		checkpoints[p.Writer] = p.Seq
		clock = max(clock, p.Clock)
	}

	for w, seq := range checkpoints {
		if err := tx.Put(schema.CheckpointKey(w), schema.EncodeUint(seq)); err != nil {
			return err
		}
	}

	v, err := tx.Get(schema.ClockKey())
	switch {
	case errors.Is(err, kv.ErrKeyNotFound):
	case err != nil:
		return err
	default:
		prev, err := schema.DecodeUint(v)
		if err != nil {
			return err
		}
		clock = max(clock, prev)
	}
	return tx.Put(schema.ClockKey(), schema.EncodeUint(clock))
}

func (e *Engine) applyOne(tx kv.Tx, p *merge.Pending, stats *batchStats) error {
	if p.Err != nil {
		e.logger.Warn("skipping undecodable entry", "writer", p.Writer, "seq", p.Seq, "error", p.Err)
		stats.skip(reasonUndecodable)
		return nil
	}

	switch v := p.Entry.(type) {
	case entry.Post:
		created, err := applyPost(tx, v.Data)
		if err != nil {
			return err
		}
		if !created {
			stats.skip(reasonDuplicatePost)
			return nil
		}
		stats.apply("post")
	case entry.Vote:
		if !entry.ValidHash(v.PostHash) || !v.Direction.Valid() {
			e.logger.Warn("skipping invalid vote", "writer", p.Writer, "seq", p.Seq, "hash", v.PostHash)
			stats.skip(reasonInvalidVote)
			return nil
		}
		buffered, err := applyVote(tx, p.Writer, p.Seq, v)
		if err != nil {
			return err
		}
		if buffered {
			stats.apply("vote_buffered")
			return nil
		}
		stats.apply("vote")
	case entry.Unrecognized:
		e.logger.Debug("skipping unrecognized entry", "writer", p.Writer, "seq", p.Seq, "type", v.Type)
		stats.skip(reasonUnrecognized)
	default:
		return fmt.Errorf("unexpected entry %T", p.Entry)
	}
	return nil
}

// applyPost inserts the post unless it exists and folds in the votes that
// arrived before it. It reports whether the post was created.
func applyPost(tx kv.Tx, data []byte) (bool, error) {
	hash := entry.ContentHash(data)

	exists, err := kv.Has(tx, schema.PostKey(hash))
	if err != nil || exists {
		return false, err
	}

	buffered, err := iterator.Collect(tx.Scan(schema.PendingVoteRange(hash), iterator.Forward))
	if err != nil {
		return false, fmt.Errorf("scan buffered votes: %w", err)
	}
	var votes int64
	for _, it := range buffered {
		d, err := schema.DecodeDirection(it.Value)
		if err != nil {
			return false, err
		}
		votes += d
		if err := tx.Delete(it.Key); err != nil {
			return false, err
		}
	}

	if err := putPost(tx, schema.Post{Hash: hash, Data: data, Votes: votes}); err != nil {
		return false, err
	}
	return true, nil
}

// applyVote moves the post to its new rank, or buffers the vote when the
// post is not known yet. It reports whether the vote was buffered.
func applyVote(tx kv.Tx, writer types.WriterID, seq types.SeqN, v entry.Vote) (bool, error) {
	b, err := tx.Get(schema.PostKey(v.PostHash))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return true, tx.Put(schema.PendingVoteKey(v.PostHash, writer, seq), schema.EncodeDirection(v.Direction.Delta()))
	}
	if err != nil {
		return false, err
	}

	post, err := schema.DecodePost(b)
	if err != nil {
		return false, err
	}
	if err := tx.Delete(schema.RankKey(post.Votes, post.Hash)); err != nil {
		return false, err
	}
	post.Votes += v.Direction.Delta()
	return false, putPost(tx, post)
}

func putPost(tx kv.Tx, p schema.Post) error {
	b, err := schema.EncodePost(p)
	if err != nil {
		return err
	}
	if err := tx.Put(schema.PostKey(p.Hash), b); err != nil {
		return err
	}
	return tx.Put(schema.RankKey(p.Votes, p.Hash), []byte(p.Hash))
}
