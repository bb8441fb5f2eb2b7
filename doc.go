// Package kvlayer implements a generic key-value data-access layer. Records of
// any type V are stored under string ids in a backend, and cross-cutting
// behavior is added by wrapping that backend in decorators instead of
// subclassing it.
//
// Components:
//   - Store[V]: the contract every backend and decorator implements, plus
//     optional capabilities (Clearer, Counter, Modified, Sizer, Capacity...).
//   - Backends: backend/logstore (append log + offset index), backend/memstore,
//     backend/filestore, backend/badgerstore, backend/providerstore.
//   - Sized[V]: per-item and aggregate byte accounting via an injected size func.
//   - Evicting[V]: keeps a Sized store under a byte capacity.
//   - CacheAside[V]: read-through / write-through cache over a primary store,
//     with hit/miss statistics and background write-back on miss.
//   - Builder[V]: composes the decorators in caller-chosen order.
//
// Typical stack:
//
//	primary, _ := logstore.Open[User](logstore.Options[User]{Dir: dir, Name: "users", Codec: codec.JSON[User]{}})
//	cache := memstore.New[User](memstore.Options{Name: "users-mem"})
//	users, err := kvlayer.NewBuilder[User](primary, kvlayer.BuilderOptions{Logger: log}).
//		WithSize(codec.EncodedSize[User](codec.JSON[User]{})).
//		WithCapacity(kvlayer.EvictionPolicy{CapacityBytes: 64 << 20}).
//		WithCache(cache, kvlayer.CacheOptions{}).
//		Build()
package kvlayer
