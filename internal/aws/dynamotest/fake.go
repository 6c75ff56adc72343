// Package dynamotest provides an in-memory DynamoDB for store tests.
//
// It understands the small expression grammar the stores in this module use:
// attribute_exists / attribute_not_exists, "=", "<>", "<" and "<=" comparisons joined by AND,
// and SET / ADD update clauses.
package dynamotest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type Item = map[string]types.AttributeValue

// Fake implements aws.DynamoDBAPI.
type Fake struct {
	mu     sync.Mutex
	keys   map[string]string
	tables map[string]map[string]Item
	errs   map[string]error
	calls  map[string]int
}

func New() *Fake {
	return &Fake{
		keys:   map[string]string{},
		tables: map[string]map[string]Item{},
		errs:   map[string]error{},
		calls:  map[string]int{},
	}
}

// WithTable registers a table and its partition key attribute.
func (f *Fake) WithTable(name, keyAttr string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[name] = keyAttr
	f.tables[name] = map[string]Item{}
	return f
}

// FailOn makes every call to op ("PutItem", "UpdateItem", ...) return err. A nil err clears it.
func (f *Fake) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Raw returns the stored item or nil.
func (f *Fake) Raw(table, key string) Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tables[table][key]
}

// Len reports the number of items in table.
func (f *Fake) Len(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[table])
}

func (f *Fake) enter(op, table string) (map[string]Item, string, error) {
	f.calls[op]++
	if err := f.errs[op]; err != nil {
		return nil, "", err
	}
	t, ok := f.tables[table]
	if !ok {
		return nil, "", &types.ResourceNotFoundException{Message: strPtr("table " + table)}
	}
	return t, f.keys[table], nil
}

func (f *Fake) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, keyAttr, err := f.enter("PutItem", deref(in.TableName))
	if err != nil {
		return nil, err
	}
	pk, err := stringKey(in.Item, keyAttr)
	if err != nil {
		return nil, err
	}
	if in.ConditionExpression != nil {
		ok, err := evalCondition(*in.ConditionExpression, t[pk], in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &types.ConditionalCheckFailedException{Message: strPtr("put " + pk)}
		}
	}
	t[pk] = clone(in.Item)
	return &dyn.PutItemOutput{}, nil
}

func (f *Fake) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, keyAttr, err := f.enter("GetItem", deref(in.TableName))
	if err != nil {
		return nil, err
	}
	pk, err := stringKey(in.Key, keyAttr)
	if err != nil {
		return nil, err
	}
	item, ok := t[pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: clone(item)}, nil
}

func (f *Fake) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, keyAttr, err := f.enter("UpdateItem", deref(in.TableName))
	if err != nil {
		return nil, err
	}
	pk, err := stringKey(in.Key, keyAttr)
	if err != nil {
		return nil, err
	}
	current := t[pk]
	if in.ConditionExpression != nil {
		ok, err := evalCondition(*in.ConditionExpression, current, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &types.ConditionalCheckFailedException{Message: strPtr("update " + pk)}
		}
	}

	item := clone(current)
	if item == nil {
		item = clone(in.Key)
	}
	if err := applyUpdate(deref(in.UpdateExpression), item, in.ExpressionAttributeNames, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	t[pk] = item
	return &dyn.UpdateItemOutput{Attributes: clone(item)}, nil
}

func (f *Fake) DeleteItem(ctx context.Context, in *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, keyAttr, err := f.enter("DeleteItem", deref(in.TableName))
	if err != nil {
		return nil, err
	}
	pk, err := stringKey(in.Key, keyAttr)
	if err != nil {
		return nil, err
	}
	if in.ConditionExpression != nil {
		ok, err := evalCondition(*in.ConditionExpression, t[pk], in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &types.ConditionalCheckFailedException{Message: strPtr("delete " + pk)}
		}
	}
	delete(t, pk)
	return &dyn.DeleteItemOutput{}, nil
}

// Scan returns matching items ordered by key, paging by Limit when set.
func (f *Fake) Scan(ctx context.Context, in *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, keyAttr, err := f.enter("Scan", deref(in.TableName))
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := 0
	if in.ExclusiveStartKey != nil {
		last, err := stringKey(in.ExclusiveStartKey, keyAttr)
		if err != nil {
			return nil, err
		}
		start = sort.SearchStrings(keys, last)
		if start < len(keys) && keys[start] == last {
			start++
		}
	}

	out := &dyn.ScanOutput{}
	for i := start; i < len(keys); i++ {
		if in.Limit != nil && int32(i-start) >= *in.Limit {
			out.LastEvaluatedKey = Item{keyAttr: &types.AttributeValueMemberS{Value: keys[i-1]}}
			break
		}
		item := t[keys[i]]
		if in.FilterExpression != nil {
			ok, err := evalCondition(*in.FilterExpression, item, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out.Items = append(out.Items, clone(item))
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

func evalCondition(expr string, item Item, names map[string]string, values Item) (bool, error) {
	for _, clause := range strings.Split(expr, " AND ") {
		ok, err := evalClause(strings.TrimSpace(clause), item, names, values)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func evalClause(clause string, item Item, names map[string]string, values Item) (bool, error) {
	if arg, ok := call(clause, "attribute_not_exists"); ok {
		_, exists := item[resolve(arg, names)]
		return !exists, nil
	}
	if arg, ok := call(clause, "attribute_exists"); ok {
		_, exists := item[resolve(arg, names)]
		return exists, nil
	}
	for _, op := range []string{"<>", "<=", "<", "="} {
		lhs, rhs, found := strings.Cut(clause, " "+op+" ")
		if !found {
			continue
		}
		want, ok := values[strings.TrimSpace(rhs)]
		if !ok {
			return false, fmt.Errorf("dynamotest: unbound value %q", rhs)
		}
		have, exists := item[resolve(strings.TrimSpace(lhs), names)]
		if !exists {
			return false, nil
		}
		cmp, err := compare(have, want)
		if err != nil {
			return false, err
		}
		switch op {
		case "=":
			return cmp == 0, nil
		case "<>":
			return cmp != 0, nil
		case "<=":
			return cmp <= 0, nil
		default:
			return cmp < 0, nil
		}
	}
	return false, fmt.Errorf("dynamotest: unsupported expression %q", clause)
}

func applyUpdate(expr string, item Item, names map[string]string, values Item) error {
	expr = strings.TrimSpace(expr)
	var setPart, addPart string
	if i := strings.Index(expr, "ADD "); i >= 0 {
		addPart = expr[i+len("ADD "):]
		expr = expr[:i]
	}
	if strings.HasPrefix(expr, "SET ") {
		setPart = expr[len("SET "):]
	}

	for _, assign := range splitList(setPart) {
		lhs, rhs, ok := strings.Cut(assign, "=")
		if !ok {
			return fmt.Errorf("dynamotest: bad SET clause %q", assign)
		}
		v, ok := values[strings.TrimSpace(rhs)]
		if !ok {
			return fmt.Errorf("dynamotest: unbound value %q", rhs)
		}
		item[resolve(strings.TrimSpace(lhs), names)] = v
	}
	for _, add := range splitList(addPart) {
		fields := strings.Fields(add)
		if len(fields) != 2 {
			return fmt.Errorf("dynamotest: bad ADD clause %q", add)
		}
		attr := resolve(fields[0], names)
		delta, err := number(values[fields[1]])
		if err != nil {
			return err
		}
		base := 0.0
		if cur, ok := item[attr]; ok {
			if base, err = number(cur); err != nil {
				return err
			}
		}
		item[attr] = &types.AttributeValueMemberN{Value: strconv.FormatFloat(base+delta, 'f', -1, 64)}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func call(clause, fn string) (string, bool) {
	if !strings.HasPrefix(clause, fn+"(") || !strings.HasSuffix(clause, ")") {
		return "", false
	}
	return strings.TrimSpace(clause[len(fn)+1 : len(clause)-1]), true
}

func resolve(name string, names map[string]string) string {
	if strings.HasPrefix(name, "#") {
		if n, ok := names[name]; ok {
			return n
		}
	}
	return name
}

func compare(a, b types.AttributeValue) (int, error) {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, errors.New("dynamotest: type mismatch")
		}
		return strings.Compare(av.Value, bv.Value), nil
	case *types.AttributeValueMemberN:
		x, err := number(av)
		if err != nil {
			return 0, err
		}
		y, err := number(b)
		if err != nil {
			return 0, err
		}
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("dynamotest: cannot compare %T", a)
}

func number(v types.AttributeValue) (float64, error) {
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("dynamotest: %T is not a number", v)
	}
	return strconv.ParseFloat(n.Value, 64)
}

func stringKey(item Item, attr string) (string, error) {
	v, ok := item[attr].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("dynamotest: missing key attribute %q", attr)
	}
	return v.Value, nil
}

func clone(item Item) Item {
	if item == nil {
		return nil
	}
	out := make(Item, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string { return &s }
