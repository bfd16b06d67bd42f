package tracking

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConn implements Conn on a document database. Collections mirror
// the relational tables one to one.
type MongoConn struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongo connects and pings within the given timeout.
func NewMongo(ctx context.Context, uri, database string) (*MongoConn, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, eris.Wrap(err, "mongo: connect")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, eris.Wrap(err, "mongo: ping")
	}
	return &MongoConn{client: client, db: client.Database(database)}, nil
}

func (c *MongoConn) Execute(ctx context.Context, q Query) (*Result, error) {
	var err error
	var affected int64

	switch q.Op {
	case OpInsertRun:
		_, err = c.db.Collection("pipeline_runs").InsertOne(ctx, bson.M{
			"run_id":     q.Args["run_id"],
			"pipeline":   q.Args["pipeline"],
			"status":     q.Args["status"],
			"started_at": q.Args["started_at"],
			"attempted":  0,
			"succeeded":  0,
			"failed":     0,
		})
		affected = 1

	case OpCompleteRun:
		var res *mongo.UpdateResult
		res, err = c.db.Collection("pipeline_runs").UpdateOne(ctx,
			bson.M{"run_id": q.Args["run_id"]},
			bson.M{"$set": bson.M{
				"status":       q.Args["status"],
				"completed_at": q.Args["completed_at"],
				"attempted":    q.Args["attempted"],
				"succeeded":    q.Args["succeeded"],
				"failed":       q.Args["failed"],
			}})
		if res != nil {
			affected = res.ModifiedCount
		}

	case OpIncrementStat:
		var res *mongo.UpdateResult
		res, err = c.db.Collection("ingestion_stats").UpdateOne(ctx,
			bson.M{
				"run_id":           q.Args["run_id"],
				"source_type":      q.Args["source_type"],
				"failure_category": q.Args["failure_category"],
			},
			bson.M{"$inc": bson.M{
				"attempted": q.Args["attempted"],
				"succeeded": q.Args["succeeded"],
				"failed":    q.Args["failed"],
			}},
			options.Update().SetUpsert(true))
		if res != nil {
			affected = res.ModifiedCount + res.UpsertedCount
		}

	case OpInsertAudit:
		_, err = c.db.Collection("audit_trail").InsertOne(ctx, bson.M{
			"event_id":    q.Args["event_id"],
			"run_id":      q.Args["run_id"],
			"stage":       q.Args["stage"],
			"record_hash": q.Args["record_hash"],
			"status":      q.Args["status"],
			"error_kind":  q.Args["error_kind"],
			"timestamp":   q.Args["timestamp"],
		})
		affected = 1

	case OpInsertQuality:
		_, err = c.db.Collection("quality_scores").ReplaceOne(ctx,
			bson.M{"record_hash": q.Args["record_hash"], "run_id": q.Args["run_id"]},
			bson.M{
				"record_hash":     q.Args["record_hash"],
				"run_id":          q.Args["run_id"],
				"completeness":    q.Args["completeness"],
				"consistency":     q.Args["consistency"],
				"outlier_flag":    q.Args["outlier_flag"],
				"aggregate_score": q.Args["aggregate_score"],
			},
			options.Replace().SetUpsert(true))
		affected = 1

	case OpSelectRuns:
		return c.selectRuns(ctx, q)

	default:
		return nil, &Error{Kind: KindUnsupported, Op: q.Op, Err: eris.New("mongo: unknown op")}
	}

	if err != nil {
		return nil, &Error{Kind: classifyMongo(err), Op: q.Op, Err: err}
	}
	return &Result{RowsAffected: affected}, nil
}

func (c *MongoConn) selectRuns(ctx context.Context, q Query) (*Result, error) {
	limit, _ := q.Args["limit"].(int)
	if limit <= 0 {
		limit = 20
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "started_at", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := c.db.Collection("pipeline_runs").Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, &Error{Kind: classifyMongo(err), Op: q.Op, Err: err}
	}
	defer cur.Close(ctx)

	cols := []string{"run_id", "pipeline", "status", "started_at", "completed_at", "attempted", "succeeded", "failed"}
	out := &Result{}
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, &Error{Kind: KindUnknown, Op: q.Op, Err: err}
		}
		values := make([]any, len(cols))
		for i, col := range cols {
			values[i] = doc[col]
		}
		out.Rows = append(out.Rows, Row{Columns: cols, Values: values})
	}
	if err := cur.Err(); err != nil {
		return nil, &Error{Kind: classifyMongo(err), Op: q.Op, Err: err}
	}
	return out, nil
}

// Begin buffers queries and replays them on Commit. Multi-document
// transactions need a replica set, which a tracking deployment cannot
// assume, so atomicity here is best-effort.
func (c *MongoConn) Begin(ctx context.Context) (Tx, error) {
	return &mongoTx{conn: c}, nil
}

func (c *MongoConn) MigrateSchema(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		"pipeline_runs": {
			{Keys: bson.D{{Key: "run_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "pipeline", Value: 1}, {Key: "started_at", Value: -1}}},
		},
		"ingestion_stats": {
			{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "source_type", Value: 1}, {Key: "failure_category", Value: 1}},
				Options: options.Index().SetUnique(true)},
		},
		"audit_trail": {
			{Keys: bson.D{{Key: "event_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "run_id", Value: 1}}},
			{Keys: bson.D{{Key: "record_hash", Value: 1}}},
		},
		"quality_scores": {
			{Keys: bson.D{{Key: "record_hash", Value: 1}, {Key: "run_id", Value: 1}},
				Options: options.Index().SetUnique(true)},
		},
	}
	for coll, models := range indexes {
		if _, err := c.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return &Error{Kind: classifyMongo(err), Op: "migrate", Err: err}
		}
	}
	return nil
}

func (c *MongoConn) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, nil)
}

func (c *MongoConn) Close() error {
	return c.client.Disconnect(context.Background())
}

type mongoTx struct {
	conn    *MongoConn
	pending []Query
}

func (t *mongoTx) Execute(ctx context.Context, q Query) (*Result, error) {
	t.pending = append(t.pending, q)
	return &Result{}, nil
}

func (t *mongoTx) Commit(ctx context.Context) error {
	for _, q := range t.pending {
		if _, err := t.conn.Execute(ctx, q); err != nil {
			return err
		}
	}
	t.pending = nil
	return nil
}

func (t *mongoTx) Rollback(ctx context.Context) error {
	t.pending = nil
	return nil
}
