package erpc

import (
	"context"
	"reflect"

	"go.uber.org/zap"

	"erpc/internal/errs"
)

// InitService fills the func fields of srv with calls to srv.Name().
func (c *Client) InitService(ctx context.Context, srv Service) error {
	if srv == nil {
		return errs.InvalidStubField("<nil>")
	}
	return c.CreateStub(ctx, srv, srv.Name())
}

// CreateStub subscribes service in the directory and sets every exported func
// field of the struct stub points to. Each field must have the form
// func(context.Context, *In) (*Out, error); fields of other kinds are left alone.
// Nothing is modified when any field is invalid.
func (c *Client) CreateStub(ctx context.Context, stub any, service string) error {
	if c.invoker == nil || c.dir == nil {
		return errs.UnresolvedDependency("pipeline")
	}
	if c.closed.Load() {
		return errs.UnresolvedDependency("pipeline of a closed client")
	}
	val := reflect.ValueOf(stub)
	if !val.IsValid() {
		return errs.InvalidStubField("<nil>")
	}
	if val.Kind() != reflect.Pointer || val.IsNil() || val.Elem().Kind() != reflect.Struct {
		return errs.InvalidStubField(reflect.TypeOf(stub).String())
	}
	valElem := val.Elem()
	typElem := valElem.Type()

	fields := make([]int, 0, typElem.NumField())
	for i := 0; i < typElem.NumField(); i++ {
		structField := typElem.Field(i)
		if !valElem.Field(i).CanSet() || structField.Type.Kind() != reflect.Func {
			continue
		}
		if !isStubFunc(structField.Type) {
			return errs.InvalidStubField(typElem.Name() + "." + structField.Name)
		}
		fields = append(fields, i)
	}

	if _, err := c.dir.Subscribe(ctx, service); err != nil {
		return err
	}
	for _, i := range fields {
		structField := typElem.Field(i)
		valElem.Field(i).Set(reflect.MakeFunc(structField.Type, c.dispatcher(service, structField)))
	}
	c.logger.Debug("stub created",
		zap.String("service", service),
		zap.String("stub", typElem.String()),
		zap.Int("methods", len(fields)))
	return nil
}

func (c *Client) dispatcher(service string, structField reflect.StructField) func([]reflect.Value) []reflect.Value {
	method := structField.Name
	signature := structField.Type.String()
	outType := structField.Type.Out(0)
	return func(args []reflect.Value) []reflect.Value {
		ctx, _ := args[0].Interface().(context.Context)
		if ctx == nil {
			ctx = context.Background()
		}
		call := c.NewCall(ctx, service, method, args[1].Interface())
		call.Signature = signature

		res, err := c.Invoke(ctx, call)
		if err != nil {
			return []reflect.Value{reflect.Zero(outType), reflect.ValueOf(err)}
		}
		out := reflect.New(outType.Elem())
		if err = res.Unmarshal(out.Interface()); err != nil {
			err = errs.Decode(err, "reply of %s.%s", service, method)
			return []reflect.Value{reflect.Zero(outType), reflect.ValueOf(err)}
		}
		// a bare nil reflect.Value is not a valid return, the error slot needs a typed zero
		return []reflect.Value{out, reflect.Zero(errorType)}
	}
}

func isStubFunc(typ reflect.Type) bool {
	return typ.NumIn() == 2 && typ.NumOut() == 2 && !typ.IsVariadic() &&
		typ.In(0) == contextType &&
		typ.In(1).Kind() == reflect.Pointer &&
		typ.Out(0).Kind() == reflect.Pointer &&
		typ.Out(1) == errorType
}
