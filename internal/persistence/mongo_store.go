package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/quill/pkg/api"
)

// MongoStore is a Store backed by a MongoDB collection.
//
// Each workflow is one document. Log entries are pushed onto an array in the
// same document, so appending an entry and advancing the summary is a single
// atomic update and needs no multi-document transaction.
type MongoStore struct {
	coll *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed store.
// dbName defaults to "quill" if empty, collName defaults to "workflows".
func NewMongoStore(client *mongo.Client, dbName, collName string) *MongoStore {
	if dbName == "" {
		dbName = "quill"
	}
	if collName == "" {
		collName = "workflows"
	}
	return &MongoStore{
		coll: client.Database(dbName).Collection(collName),
	}
}

type mongoWorkflowDoc struct {
	ID          string   `bson:"_id"`
	Task        string   `bson:"task"`
	Stage       string   `bson:"stage"`
	Status      string   `bson:"status"`
	LastSeq     int64    `bson:"last_seq"`
	SnapshotSeq int64    `bson:"snapshot_seq"`
	Snapshot    []byte   `bson:"snapshot,omitempty"`
	CreatedAt   int64    `bson:"created_at"`
	Entries     [][]byte `bson:"entries"`

	LeaseOwner     string `bson:"lease_owner"`
	LeaseToken     int64  `bson:"lease_token"`
	LeaseExpiresAt int64  `bson:"lease_expires_at"`
}

func (s *MongoStore) SaveSnapshot(ctx context.Context, st *api.WorkflowState) error {
	data, err := EncodeState(st)
	if err != nil {
		return err
	}

	doc := mongoWorkflowDoc{
		ID:          st.WorkflowID,
		Task:        string(st.Task),
		Stage:       string(st.Stage),
		Status:      string(st.Status),
		LastSeq:     st.Seq,
		SnapshotSeq: st.Seq,
		Snapshot:    data,
		CreatedAt:   st.CreatedAt.UnixNano(),
		Entries:     [][]byte{},
	}
	_, err = s.coll.InsertOne(ctx, doc)
	if err == nil {
		return nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return err
	}

	_, err = s.coll.UpdateOne(ctx,
		bson.M{"_id": st.WorkflowID, "snapshot_seq": bson.M{"$lte": st.Seq}},
		bson.M{"$set": bson.M{"snapshot": data, "snapshot_seq": st.Seq}},
	)
	return err
}

func (s *MongoStore) LoadSnapshot(ctx context.Context, workflowID string) (*api.WorkflowState, error) {
	var doc mongoWorkflowDoc
	opts := options.FindOne().SetProjection(bson.M{"snapshot": 1})
	if err := s.coll.FindOne(ctx, bson.M{"_id": workflowID}, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}
	return DecodeState(doc.Snapshot)
}

func (s *MongoStore) ListWorkflows(ctx context.Context, filter Filter) ([]Summary, error) {
	bfilter := bson.M{}
	if filter.Task != "" {
		bfilter["task"] = string(filter.Task)
	}
	if filter.Stage != "" {
		bfilter["stage"] = string(filter.Stage)
	}
	switch {
	case filter.Status != "" && filter.ActiveOnly:
		if !active(filter.Status) {
			return nil, nil
		}
		bfilter["status"] = string(filter.Status)
	case filter.Status != "":
		bfilter["status"] = string(filter.Status)
	case filter.ActiveOnly:
		bfilter["status"] = bson.M{"$in": []string{string(api.StatusPending), string(api.StatusInProgress)}}
	}

	opts := options.Find().
		SetProjection(bson.M{"snapshot": 0, "entries": 0}).
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.coll.Find(ctx, bfilter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []Summary
	for cur.Next(ctx) {
		var doc mongoWorkflowDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, Summary{
			WorkflowID: doc.ID,
			Task:       api.Task(doc.Task),
			Stage:      api.Stage(doc.Stage),
			Status:     api.Status(doc.Status),
			LastSeq:    doc.LastSeq,
			CreatedAt:  time.Unix(0, doc.CreatedAt).UTC(),
		})
	}
	return out, cur.Err()
}

func (s *MongoStore) AppendEntry(ctx context.Context, entry api.LogEntry, fence int64) error {
	data, err := EncodeEntry(entry)
	if err != nil {
		return err
	}

	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": entry.WorkflowID, "lease_token": fence, "last_seq": entry.Seq - 1},
		bson.M{
			"$set": bson.M{
				"last_seq": entry.Seq,
				"stage":    string(entry.Delta.To),
				"status":   string(entry.Delta.Status),
			},
			"$push": bson.M{"entries": data},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 1 {
		return nil
	}

	var doc mongoWorkflowDoc
	opts := options.FindOne().SetProjection(bson.M{"lease_token": 1, "last_seq": 1})
	if err := s.coll.FindOne(ctx, bson.M{"_id": entry.WorkflowID}, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ErrWorkflowNotFound
		}
		return err
	}
	if doc.LeaseToken != fence {
		return ErrFenced
	}
	return ErrSequenceConflict
}

func (s *MongoStore) ListEntries(ctx context.Context, workflowID string, afterSeq int64) ([]api.LogEntry, error) {
	var doc mongoWorkflowDoc
	opts := options.FindOne().SetProjection(bson.M{"entries": 1})
	if err := s.coll.FindOne(ctx, bson.M{"_id": workflowID}, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}

	if afterSeq < 0 {
		afterSeq = 0
	}
	out := []api.LogEntry{}
	for i := int(afterSeq); i < len(doc.Entries); i++ {
		e, err := DecodeEntry(doc.Entries[i])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *MongoStore) TryAcquireLease(ctx context.Context, workflowID, owner string, ttl time.Duration) (Lease, bool, error) {
	if ttl <= 0 {
		return Lease{}, false, errors.New("ttl must be > 0")
	}
	if owner == "" {
		return Lease{}, false, errors.New("owner must not be empty")
	}

	now := time.Now()
	expires := now.Add(ttl)

	filter := bson.M{
		"_id": workflowID,
		"$or": bson.A{
			bson.M{"lease_owner": ""},
			bson.M{"lease_owner": bson.M{"$exists": false}},
			bson.M{"lease_expires_at": bson.M{"$lte": now.UnixNano()}},
			bson.M{"lease_owner": owner},
		},
	}
	// Pipeline updates evaluate field paths against the document as it was
	// before the stage, so the token only moves when the owner changes.
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"lease_token": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$lease_owner", owner}},
				"$lease_token",
				bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$lease_token", 0}}, 1}},
			}},
			"lease_owner":      owner,
			"lease_expires_at": expires.UnixNano(),
		}}},
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"lease_token": 1})

	var doc mongoWorkflowDoc
	err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		n, cerr := s.coll.CountDocuments(ctx, bson.M{"_id": workflowID})
		if cerr != nil {
			return Lease{}, false, cerr
		}
		if n == 0 {
			return Lease{}, false, ErrWorkflowNotFound
		}
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, err
	}
	return Lease{WorkflowID: workflowID, Owner: owner, Token: doc.LeaseToken, ExpiresAt: expires}, true, nil
}

func (s *MongoStore) RenewLease(ctx context.Context, l Lease, ttl time.Duration) (Lease, error) {
	expires := time.Now().Add(ttl)
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": l.WorkflowID, "lease_owner": l.Owner, "lease_token": l.Token},
		bson.M{"$set": bson.M{"lease_expires_at": expires.UnixNano()}},
	)
	if err != nil {
		return Lease{}, err
	}
	if res.MatchedCount == 0 {
		return Lease{}, ErrLeaseLost
	}
	l.ExpiresAt = expires
	return l, nil
}

func (s *MongoStore) ReleaseLease(ctx context.Context, l Lease) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": l.WorkflowID, "lease_owner": l.Owner, "lease_token": l.Token},
		bson.M{"$set": bson.M{"lease_owner": "", "lease_expires_at": int64(0)}},
	)
	return err
}
