package mcp

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/querypilot/querypilot/pkg/fault"
)

// mongoDriver dials document backends.
type mongoDriver struct{}

func (d *mongoDriver) Kind() Kind { return KindMongo }

func (d *mongoDriver) Connect(ctx context.Context, desc Descriptor, creds Credentials) (Conn, error) {
	u := url.URL{
		Scheme: "mongodb",
		Host:   fmt.Sprintf("%s:%d", desc.Host, desc.Port),
	}
	if creds.Username != "" {
		u.User = url.UserPassword(creds.Username, creds.Password)
	}
	if desc.TLS {
		q := u.Query()
		q.Set("tls", "true")
		u.RawQuery = q.Encode()
	}

	client, err := mongodriver.Connect(ctx, options.Client().ApplyURI(u.String()))
	if err != nil {
		return nil, fault.Wrap(fault.KindConnectionFailed, "mcp.mongo", "connect", err).
			WithResource(desc.Name)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fault.Wrap(fault.KindConnectionFailed, "mcp.mongo", "connect", err).
			WithResource(desc.Name)
	}
	return &mongoConn{client: client, db: client.Database(desc.Database)}, nil
}

// mongoConn adapts a mongo client to the Conn capability set. Transactions
// are not part of the mongo capability table here; Begin and friends fail
// with UNSUPPORTED_OPERATION.
type mongoConn struct {
	client *mongodriver.Client
	db     *mongodriver.Database
}

func (c *mongoConn) Execute(ctx context.Context, req Request) (*QueryResult, error) {
	if req.Document == nil {
		return nil, fault.New(fault.KindInvalidOperation, "mcp.mongo", "execute",
			"document backend requires a document request")
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	start := time.Now()
	result, err := c.dispatch(ctx, req.Document)
	if err != nil {
		return nil, classifyExecError("mcp.mongo", "execute", err)
	}
	result.Duration = time.Since(start)
	return result, nil
}

func (c *mongoConn) dispatch(ctx context.Context, d *DocumentRequest) (*QueryResult, error) {
	coll := c.db.Collection(d.Collection)
	filter := d.Filter
	if filter == nil {
		filter = map[string]any{}
	}

	switch d.Operation {
	case DocFind:
		opts := options.Find()
		if d.Projection != nil {
			opts.SetProjection(toBsonD(d.Projection))
		}
		if d.Sort != nil {
			opts.SetSort(toBsonD(d.Sort))
		}
		if d.Limit > 0 {
			opts.SetLimit(d.Limit)
		}
		if d.Skip > 0 {
			opts.SetSkip(d.Skip)
		}
		cur, err := coll.Find(ctx, filter, opts)
		if err != nil {
			return nil, err
		}
		defer cur.Close(ctx)
		return normalizeDocuments(ctx, cur)

	case DocAggregate:
		pipeline := make(mongodriver.Pipeline, 0, len(d.Pipeline))
		for _, stage := range d.Pipeline {
			pipeline = append(pipeline, toBsonD(stage))
		}
		cur, err := coll.Aggregate(ctx, pipeline)
		if err != nil {
			return nil, err
		}
		defer cur.Close(ctx)
		return normalizeDocuments(ctx, cur)

	case DocInsertOne:
		res, err := coll.InsertOne(ctx, d.Documents[0])
		if err != nil {
			return nil, err
		}
		return &QueryResult{
			RowCount: 1,
			Metadata: map[string]any{"inserted_id": stringifyID(res.InsertedID)},
		}, nil

	case DocInsertMany:
		docs := make([]any, len(d.Documents))
		for i, doc := range d.Documents {
			docs[i] = doc
		}
		res, err := coll.InsertMany(ctx, docs)
		if err != nil {
			return nil, err
		}
		return &QueryResult{RowCount: int64(len(res.InsertedIDs))}, nil

	case DocUpdateOne, DocUpdateMany:
		var res *mongodriver.UpdateResult
		var err error
		if d.Operation == DocUpdateOne {
			res, err = coll.UpdateOne(ctx, filter, d.Update)
		} else {
			res, err = coll.UpdateMany(ctx, filter, d.Update)
		}
		if err != nil {
			return nil, err
		}
		return &QueryResult{
			RowCount: res.ModifiedCount,
			Metadata: map[string]any{"matched": res.MatchedCount},
		}, nil

	case DocDeleteOne, DocDeleteMany:
		var res *mongodriver.DeleteResult
		var err error
		if d.Operation == DocDeleteOne {
			res, err = coll.DeleteOne(ctx, filter)
		} else {
			res, err = coll.DeleteMany(ctx, filter)
		}
		if err != nil {
			return nil, err
		}
		return &QueryResult{RowCount: res.DeletedCount}, nil

	case DocCreateIndex:
		name, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{Keys: toBsonD(d.IndexKeys)})
		if err != nil {
			return nil, err
		}
		return &QueryResult{RowCount: 1, Metadata: map[string]any{"index": name}}, nil

	case DocDropIndex:
		if _, err := coll.Indexes().DropOne(ctx, d.Index); err != nil {
			return nil, err
		}
		return &QueryResult{RowCount: 1}, nil

	case DocListIndexes:
		cur, err := coll.Indexes().List(ctx)
		if err != nil {
			return nil, err
		}
		defer cur.Close(ctx)
		return normalizeDocuments(ctx, cur)

	case DocDropCollection:
		if err := coll.Drop(ctx); err != nil {
			return nil, err
		}
		return &QueryResult{RowCount: 1}, nil

	default:
		return nil, fault.New(fault.KindInvalidOperation, "mcp.mongo", "execute",
			fmt.Sprintf("unknown document operation %q", d.Operation))
	}
}

// ExecuteDDL treats the statement as a collection name to create, the
// closest analogue of DDL for a document store.
func (c *mongoConn) ExecuteDDL(ctx context.Context, statement string) error {
	if err := c.db.CreateCollection(ctx, statement); err != nil {
		return classifyExecError("mcp.mongo", "execute_ddl", err)
	}
	return nil
}

func (c *mongoConn) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := c.client.Ping(ctx, readpref.Primary()); err != nil {
		return 0, fault.Wrap(fault.KindConnectionFailed, "mcp.mongo", "ping", err)
	}
	return time.Since(start), nil
}

func (c *mongoConn) Begin(ctx context.Context) error    { return c.txUnsupported("begin") }
func (c *mongoConn) Commit(ctx context.Context) error   { return c.txUnsupported("commit") }
func (c *mongoConn) Rollback(ctx context.Context) error { return c.txUnsupported("rollback") }
func (c *mongoConn) InTx() bool                         { return false }

func (c *mongoConn) txUnsupported(op string) error {
	return fault.New(fault.KindUnsupportedOperation, "mcp.mongo", op,
		"transactions are not in the document backend capability set")
}

func (c *mongoConn) Close() error {
	return c.client.Disconnect(context.Background())
}

// normalizeDocuments flattens a cursor into the canonical result: the
// column set is the union of top-level keys across documents (sorted,
// _id first), object ids are stringified, nested documents are preserved
// verbatim in their cell.
func normalizeDocuments(ctx context.Context, cur *mongodriver.Cursor) (*QueryResult, error) {
	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	colSet := make(map[string]bool)
	for _, doc := range docs {
		for k := range doc {
			colSet[k] = true
		}
	}
	columns := make([]string, 0, len(colSet))
	if colSet["_id"] {
		columns = append(columns, "_id")
		delete(colSet, "_id")
	}
	rest := make([]string, 0, len(colSet))
	for k := range colSet {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	columns = append(columns, rest...)

	result := &QueryResult{Columns: columns}
	for _, doc := range docs {
		row := make([]any, len(columns))
		for i, col := range columns {
			row[i] = stringifyID(doc[col])
		}
		result.Rows = append(result.Rows, row)
	}
	result.RowCount = int64(len(result.Rows))
	return result, nil
}

// stringifyID converts object ids to their hex form; other values pass
// through untouched.
func stringifyID(v any) any {
	if oid, ok := v.(primitive.ObjectID); ok {
		return oid.Hex()
	}
	return v
}

// toBsonD preserves a deterministic field order for driver options.
func toBsonD(m map[string]any) bson.D {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	d := make(bson.D, 0, len(m))
	for _, k := range keys {
		d = append(d, bson.E{Key: k, Value: m[k]})
	}
	return d
}

